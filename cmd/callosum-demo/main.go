// Command callosum-demo drives a toy multi-instance agent conversation
// through a real gate so the coordination scenarios described for this
// system — two concurrent sessions racing to complete the same
// irreversible action, and a duplicate send caught and paused — can be
// observed end to end instead of only unit-tested.
//
// It requires ANTHROPIC_API_KEY. Tool calls never reach a real system:
// a fake executor stands in for email, exec, and channel-deletion
// tools so the demo is safe to run repeatedly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/callosum-dev/callosum/internal/gate"
	"github.com/callosum-dev/callosum/internal/store"
	"github.com/callosum-dev/callosum/internal/tier"
)

const demoModel = "claude-sonnet-4-20250514"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "ANTHROPIC_API_KEY is required to run the demo")
		os.Exit(1)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	classifier, err := tier.Compile(tier.DefaultRules())
	if err != nil {
		logger.Error("compile default rules", "error", err)
		os.Exit(1)
	}
	st := store.NewMemoryStore(30 * time.Minute)
	defer st.Close()

	ctx := context.Background()
	alpha := gate.New(classifier, st, "alpha", logger.With("instance", "alpha"))
	beta := gate.New(classifier, st, "beta", logger.With("instance", "beta"))

	fmt.Println("=== scenario: two instances race to delete the same channel ===")
	results := make(chan string, 2)
	deletePrompt := "Delete the #launch-prep channel using the message tool with action \"channel-delete\", it's no longer needed."
	go func() { results <- runSession(ctx, client, alpha, "alpha", deletePrompt) }()
	go func() {
		time.Sleep(200 * time.Millisecond) // let alpha's call land first most of the time
		results <- runSession(ctx, client, beta, "beta", deletePrompt)
	}()
	fmt.Println(<-results)
	fmt.Println(<-results)

	fmt.Println("\n=== scenario: instance alpha repeats a send it already completed ===")
	fmt.Println(runSession(ctx, client, alpha, "alpha", "Email the release notes to eng-all@example.com."))
	fmt.Println(runSession(ctx, client, alpha, "alpha", "Email the release notes to eng-all@example.com."))
}

// runSession runs a single-turn tool-calling conversation for instance
// against the shared gate g, looping until the model stops requesting
// tools, and returns a human-readable transcript of what happened.
func runSession(ctx context.Context, client anthropic.Client, g *gate.Gate, instance, userPrompt string) string {
	messages := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt))}
	transcript := fmt.Sprintf("[%s] %s\n", instance, userPrompt)

	for turn := 0; turn < 6; turn++ {
		resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     demoModel,
			MaxTokens: 1024,
			System:    []anthropic.TextBlockParam{{Text: demoSystemPrompt}},
			Messages:  messages,
			Tools:     demoTools(),
		})
		if err != nil {
			return transcript + fmt.Sprintf("[%s] model call failed: %v\n", instance, err)
		}

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResults []anthropic.ContentBlockParamUnion
		sawToolUse := false

		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text := block.AsText()
				transcript += fmt.Sprintf("[%s] says: %s\n", instance, text.Text)
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(text.Text))
			case "tool_use":
				sawToolUse = true
				toolUse := block.AsToolUse()

				var params map[string]any
				_ = json.Unmarshal(toolUse.Input, &params)
				assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(toolUse.ID, params, toolUse.Name))

				outcome, isError := invokeGatedTool(ctx, g, instance, toolUse.Name, params)
				transcript += fmt.Sprintf("[%s] tool %s(%v) -> %s\n", instance, toolUse.Name, params, outcome)
				toolResults = append(toolResults, anthropic.NewToolResultBlock(toolUse.ID, outcome, isError))
			}
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if !sawToolUse {
			return transcript
		}
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}
	return transcript + fmt.Sprintf("[%s] stopped after reaching the demo's turn limit\n", instance)
}

// invokeGatedTool runs toolName through the gate's before/after hooks
// around a fake, side-effect-free executor. A block never reaches the
// executor; its reason is returned to the model as a tool error so the
// conversation can react to it.
func invokeGatedTool(ctx context.Context, g *gate.Gate, instance, toolName string, params map[string]any) (outcome string, isError bool) {
	result, err := g.BeforeToolCall(ctx, toolName, params)
	if err != nil {
		return fmt.Sprintf("coordination error: %v", err), true
	}
	if result != nil && result.Block {
		return result.BlockReason, true
	}

	output, execErr := fakeExecute(toolName, params)
	if afterErr := g.AfterToolCall(ctx, toolName, params, execErr); afterErr != nil {
		return fmt.Sprintf("coordination error recording completion: %v", afterErr), true
	}
	if execErr != nil {
		return fmt.Sprintf("tool failed: %v", execErr), true
	}
	if result != nil && result.Warning != "" {
		return output + " (warning: " + result.Warning + ")", false
	}
	return output, false
}

func fakeExecute(toolName string, params map[string]any) (string, error) {
	switch toolName {
	case "send_email":
		return fmt.Sprintf("sent email to %v", params["to"]), nil
	case "message":
		if params["action"] == "channel-delete" {
			return fmt.Sprintf("deleted channel %v", params["channel"]), nil
		}
		return "ok", nil
	case "exec":
		return fmt.Sprintf("ran command %v", params["command"]), nil
	default:
		return "ok", nil
	}
}

const demoSystemPrompt = `You are an operations assistant with access to tools that take real,
sometimes irreversible actions. Use exactly one tool call per request unless
a tool's result tells you to retry. If a tool reports that the action was
already completed or is blocked, explain that to the user instead of retrying
blindly.`

var demoToolSchemas = map[string]string{
	"send_email": `{"type":"object","properties":{"to":{"type":"string","description":"recipient email address"},"subject":{"type":"string"}},"required":["to"]}`,
	"message":    `{"type":"object","properties":{"action":{"type":"string","description":"message action, e.g. \"channel-delete\" or \"thread-reply\""},"channel":{"type":"string","description":"channel name the action applies to"}},"required":["action","channel"]}`,
	"exec":       `{"type":"object","properties":{"command":{"type":"string","description":"shell command to run"}},"required":["command"]}`,
}

func demoTools() []anthropic.ToolUnionParam {
	names := []string{"send_email", "message", "exec"}
	tools := make([]anthropic.ToolUnionParam, 0, len(names))
	for _, name := range names {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal([]byte(demoToolSchemas[name]), &schema); err != nil {
			panic(fmt.Sprintf("invalid built-in demo schema for %s: %v", name, err))
		}
		tools = append(tools, anthropic.ToolUnionParamOfTool(schema, name))
	}
	return tools
}
