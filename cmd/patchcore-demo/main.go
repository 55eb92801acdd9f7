// Command patchcore-demo walks a single patch through the session driver:
// admit a syntax fix, report its outcome, and print the decision the core
// returns at each step. It exists to exercise the wiring end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/shaunpalmer/patchcore/core"
	"github.com/shaunpalmer/patchcore/envelope"
	"github.com/shaunpalmer/patchcore/memory"
	"github.com/shaunpalmer/patchcore/orchestrator"
)

func main() {
	cfg := core.NewConfig(
		core.WithLogger(core.NewStructuredLogger("patchcore-demo", "text", true)),
		core.WithConfidenceConfig(core.ConfidenceConfig{Temperature: 0.9, CalibrationSamples: 1000}),
	)

	store := memory.NewInMemoryStore(memory.DefaultConfig())
	sess := orchestrator.NewSession(cfg, store, nil, nil)

	ctx := orchestrator.WithRequestID(context.Background(), "demo-request-1")

	patch := envelope.Patch{
		PatchedCode: "func Add(a, b int) int {\n\treturn a + b\n}",
		Language:    "go",
	}
	originalCode := "func Add(a, b int) int {\n\treturn a - b\n}"

	begin := sess.Begin(ctx, patch, map[string]string{"source": "demo"}, []float64{2.0, 0.1, 0.1}, envelope.ErrorKindSyntax, originalCode)
	if !begin.Admitted {
		log.Fatalf("patch was not admitted: decision=%s reason=%s", begin.Decision, begin.Reason)
	}
	fmt.Printf("admitted patch %s (syntax confidence %.3f)\n", begin.Envelope.PatchID, begin.Confidence.SyntaxConfidence)

	complete := sess.Complete(ctx, orchestrator.ExecutionOutcome{
		Success:        true,
		ErrorsDetected: 0,
		ErrorsResolved: 1,
		LinesOfCode:    2,
		ErrorType:      envelope.ErrorKindSyntax,
		Confidence:     0.97,
	})

	fmt.Printf("decision: %s\n", complete.Decision)
	if complete.Celebration != nil {
		payload, err := json.MarshalIndent(complete.Celebration, "", "  ")
		if err != nil {
			log.Fatalf("marshal celebration: %v", err)
		}
		fmt.Println(string(payload))
	}
	if complete.Guidance != nil {
		payload, err := json.MarshalIndent(complete.Guidance, "", "  ")
		if err != nil {
			log.Fatalf("marshal guidance: %v", err)
		}
		fmt.Println(string(payload))
	}
}
