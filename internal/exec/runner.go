package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"coedit/internal/models"
)

var (
	ErrSandboxUnavailable  = errors.New("sandbox unavailable")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

const (
	defaultBaseURL  = "http://localhost:8090"
	defaultWallTime = 5 * time.Second
	defaultMemoryB  = 256 * 1024 * 1024
	defaultNanoCPUs = 1_000_000_000

	sandboxLanguage = "cpp"
	compiler        = "g++"
)

// programs that read stdin and were given none cannot run to completion
var readsInput = regexp.MustCompile(`\b(scanf|getchar|fgets|gets|getline|cin)\b`)

// Runner forwards code execution to the sandbox service.
type Runner struct {
	client  *http.Client
	baseURL string
	limits  Limits
}

type Limits struct {
	WallTime time.Duration
	MemoryB  int64
	NanoCPUs int64
}

func NewRunner(baseURL string) *Runner {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Runner{
		client:  &http.Client{Timeout: 2 * defaultWallTime},
		baseURL: baseURL,
		limits:  Limits{WallTime: defaultWallTime, MemoryB: defaultMemoryB, NanoCPUs: defaultNanoCPUs},
	}
}

type sandboxRequest struct {
	Language    string        `json:"language"`
	Code        string        `json:"code"`
	Stdin       string        `json:"stdin,omitempty"`
	CompileOnly bool          `json:"compileOnly,omitempty"`
	Limits      sandboxLimits `json:"limits"`
}

type sandboxLimits struct {
	WallTimeMs  int64 `json:"wallTimeMs"`
	MemoryBytes int64 `json:"memoryBytes"`
	NanoCPUs    int64 `json:"nanoCPUs"`
}

type runExit struct {
	Code     int  `json:"code"`
	TimedOut bool `json:"timedOut"`
}

type sandboxResponse struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Exit   runExit `json:"exit"`
	Error  string  `json:"error,omitempty"`
}

// Execute compiles and runs a C++ program in the sandbox.
func (r *Runner) Execute(ctx context.Context, req models.ExecuteRequest) (models.ExecuteResult, error) {
	if !req.CompileOnly && req.Input == "" && readsInput.MatchString(req.Code) {
		return models.ExecuteResult{
			Success: false,
			Stage:   models.StageNeedsInput,
			Output:  "Program reads from standard input; provide input to run it",
		}, nil
	}

	resp, err := r.invokeSandbox(ctx, req)
	if err != nil {
		return models.ExecuteResult{}, err
	}

	if resp.Exit.TimedOut {
		stage, verb := models.StageExecution, "Execution"
		if req.CompileOnly || strings.Contains(resp.Error, compiler) {
			stage, verb = models.StageCompilation, "Compilation"
		}
		return models.ExecuteResult{
			Success: false,
			Stage:   stage,
			Output:  fmt.Sprintf("%s timed out after %d seconds", verb, limitsMillis(r.limits.WallTime, defaultWallTime)/1000),
		}, nil
	}

	if resp.Error != "" {
		if err := mapSandboxError(resp.Error); errors.Is(err, ErrSandboxUnavailable) || errors.Is(err, ErrUnsupportedLanguage) {
			return models.ExecuteResult{}, err
		}
		stage := models.StageExecution
		if strings.Contains(resp.Error, compiler) {
			stage = models.StageCompilation
		}
		out := resp.Stderr
		if out == "" {
			out = resp.Error
		}
		return models.ExecuteResult{Success: false, Stage: stage, Output: out, ReturnCode: resp.Exit.Code}, nil
	}

	if req.CompileOnly {
		return models.ExecuteResult{Success: true, Stage: models.StageCompilation, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
	}
	return models.ExecuteResult{
		Success:    true,
		Stage:      models.StageExecution,
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		ReturnCode: resp.Exit.Code,
	}, nil
}

func (r *Runner) invokeSandbox(ctx context.Context, req models.ExecuteRequest) (sandboxResponse, error) {
	payload := sandboxRequest{
		Language:    sandboxLanguage,
		Code:        req.Code,
		Stdin:       req.Input,
		CompileOnly: req.CompileOnly,
		Limits: sandboxLimits{
			WallTimeMs:  limitsMillis(r.limits.WallTime, defaultWallTime),
			MemoryBytes: fallback(r.limits.MemoryB, defaultMemoryB),
			NanoCPUs:    fallback(r.limits.NanoCPUs, defaultNanoCPUs),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return sandboxResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return sandboxResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return sandboxResponse{}, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	defer httpResp.Body.Close()

	var resp sandboxResponse
	decodeErr := json.NewDecoder(httpResp.Body).Decode(&resp)
	if httpResp.StatusCode == http.StatusServiceUnavailable {
		return sandboxResponse{}, ErrSandboxUnavailable
	}
	if httpResp.StatusCode >= 400 && (decodeErr != nil || resp.Error == "") {
		return sandboxResponse{}, errors.New(httpResp.Status)
	}
	if decodeErr != nil {
		return sandboxResponse{}, decodeErr
	}
	return resp, nil
}

func mapSandboxError(code string) error {
	switch code {
	case "", "success":
		return nil
	case "sandbox_unavailable":
		return ErrSandboxUnavailable
	case "unsupported_language":
		return ErrUnsupportedLanguage
	default:
		return errors.New(code)
	}
}

func limitsMillis(d, fallback time.Duration) int64 {
	if d <= 0 {
		d = fallback
	}
	return d.Milliseconds()
}

func fallback(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
