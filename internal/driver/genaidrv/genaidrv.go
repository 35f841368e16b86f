// Package genaidrv implements the in-process SDK agent driver. Instead of
// supervising a subprocess it drives an LLM provider through the genai
// client and streams the reply as normalized events. Useful for planning
// and review agents that do not need tool access to the sandbox.
package genaidrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/plandev/plandev/internal/driver"
)

// Name is the registry name projects use to select this driver.
const Name = "genai"

const systemPrompt = "You are a coding agent working through sprint tasks. " +
	"Follow the task protocol in the user prompt exactly."

// maxTokens bounds one iteration's reply.
const maxTokens = 4096

// Driver drives an in-process genai provider.
type Driver struct {
	// Provider is the genai provider name ("anthropic", "openai", ...).
	Provider string

	mu       sync.Mutex
	provider genai.Provider
	model    string // model the cached provider was built for
}

var _ driver.Driver = (*Driver)(nil)

// Name returns the registry name.
func (d *Driver) Name() string { return Name }

// Invoke sends the prompt to the provider and streams the reply into the
// run log.
func (d *Driver) Invoke(ctx context.Context, inv driver.Invocation) (driver.Result, error) {
	p, err := d.providerFor(ctx, inv.Model)
	if err != nil {
		return driver.Result{ExitCode: 1}, err
	}

	inv.BeginCommand("genai:"+d.Provider, driver.RedactArgs([]string{"--model", p.ModelID(), inv.Prompt}, inv.Prompt), inv.SandboxPath)

	genCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	res, err := p.GenSync(genCtx,
		genai.Messages{genai.NewTextMessage(inv.Prompt)},
		&genai.GenOptionText{SystemPrompt: systemPrompt, MaxTokens: maxTokens},
	)
	if err != nil {
		exit := classifyErr(genCtx, err)
		inv.LogLine(driver.FormatEvent(driver.ErrorEvent{Msg: err.Error()}))
		inv.FinishCommand(exit)
		return driver.Result{Output: err.Error(), ExitCode: exit}, nil
	}

	out := strings.TrimSpace(res.String())
	var taskID string
	for line := range strings.SplitSeq(out, "\n") {
		inv.LogLine(driver.FormatEvent(driver.TextEvent{Text: line}))
		if id := driver.ParseTaskID(line); id != "" {
			taskID = id
		}
	}
	inv.LogLine(driver.FormatEvent(driver.ResultEvent{Kind: "success"}))
	inv.FinishCommand(0)
	return driver.Result{Output: out, ExitCode: 0, TaskID: taskID}, nil
}

// providerFor returns the cached provider, rebuilding it when the model
// changes between runs.
func (d *Driver) providerFor(ctx context.Context, model string) (genai.Provider, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.provider != nil && d.model == model {
		return d.provider, nil
	}
	cfg, ok := providers.All[d.Provider]
	if !ok || cfg.Factory == nil {
		return nil, fmt.Errorf("unknown genai provider %q", d.Provider)
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create genai provider %q: %w", d.Provider, err)
	}
	slog.Info("genai driver ready", "provider", d.Provider, "model", p.ModelID())
	d.provider = p
	d.model = model
	return p, nil
}

// classifyErr maps SDK errors onto the shared driver exit codes:
// cancellation and timeout report a kill, throttling reports the usage
// limit, anything else is an error.
func classifyErr(ctx context.Context, err error) int {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return -1
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "overloaded") {
		return driver.ExitUsageLimit
	}
	return 1
}
