package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/resilience"
)

const analyzeUser = "file_analyzer"

// AnalyzeFiles summarises uploaded files. Any upstream failure other than caller
// cancellation is answered with the local summary.
func (o *Orchestrator) AnalyzeFiles(ctx context.Context, files []domain.FileDescription) (*domain.AnalysisResult, error) {
	sel := o.request()
	if !sel.IsRemote() {
		return o.local.AnalyzeFiles(ctx, files)
	}

	filesInfo, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode files info: %w", err)
	}
	req := &ports.AgentRequest{
		Query:  "analyze uploaded files",
		Inputs: map[string]any{"files_info": string(filesInfo)},
		User:   analyzeUser,
		Files:  files,
	}

	breaker := o.breakers.Get(resilience.OpAnalyze)
	var resp *ports.AgentResponse
	d, err := o.policy.Run(ctx, resilience.OpAnalyze, func(ctx context.Context, _ resilience.Attempt) error {
		r, err := resilience.Execute(ctx, breaker, func(ctx context.Context) (*ports.AgentResponse, error) {
			return o.client.Send(ctx, req)
		})
		resp = r
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if !o.fallback(sel, resilience.OpAnalyze, d, err) {
			// Analysis never fails the caller; a non-fallback decision still
			// gets the local summary.
			resilience.RecordFallback(resilience.OpAnalyze, reasonOr(d.Reason, domain.ReasonFallback))
			o.logger.Warn("analysis answered locally",
				slog.String("reason", string(d.Reason)),
				slog.String("error", err.Error()))
		}
		return o.local.AnalyzeFiles(ctx, files)
	}

	return parseAnalysis(resp.Answer), nil
}

// parseAnalysis reads the agent answer as a JSON analysis. A non-JSON answer is
// kept as the template summary.
func parseAnalysis(answer string) *domain.AnalysisResult {
	var out domain.AnalysisResult
	if err := json.Unmarshal([]byte(stripFence(answer)), &out); err != nil {
		out = domain.AnalysisResult{TemplateInfo: "文件分析完成"}
		if answer != "" {
			out.TemplateInfo = answer
		}
	}
	if out.Suggestions == nil {
		out.Suggestions = []string{}
	}
	out.Source = domain.SourceRemote
	return &out
}

func reasonOr(r, def domain.FallbackReason) domain.FallbackReason {
	if r == "" {
		return def
	}
	return r
}
