package tier

import (
	"encoding/json"
	"fmt"
	"os"
)

// RuleFile is the on-disk document shape of tiers.json.
type RuleFile struct {
	Description string `json:"description,omitempty"`
	Rules       []Rule `json:"rules"`
}

// LoadRuleFile reads and parses a rule file. A missing file is returned
// as the os.ReadFile error; callers check os.IsNotExist and fall back to
// DefaultRules per spec.md §6 ("if absent, a built-in default rule set
// is used").
func LoadRuleFile(path string) (RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleFile{}, err
	}
	var rf RuleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return RuleFile{}, fmt.Errorf("parse rule file %s: %w", path, err)
	}
	return rf, nil
}

// DefaultRules returns the built-in rule set used when no tiers.json
// is present, covering the tool families named throughout the
// specification's examples: email sends, chat replies, cron/config
// mutation, exec, and irreversible deletes.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:               "email-send",
			Tier:               LevelCommitment,
			Tools:              []string{"email", "send_email"},
			ContextKeyTemplate: "email:{params.to|commandRecipient}",
		},
		{
			Name:               "exec-git-push",
			Tier:               LevelCommitment,
			Tool:               "exec",
			CommandPattern:     `git push`,
			ContextKeyTemplate: "git-push",
		},
		{
			Name:               "exec-mail",
			Tier:               LevelCommitment,
			Tool:               "exec",
			CommandPattern:     `mail|sendmail|--mail-rcpt`,
			ContextKeyTemplate: "email:{commandRecipient}",
		},
		{
			Name:           "exec-general",
			Tier:           LevelInternal,
			Tool:           "exec",
		},
		{
			Name:               "cron-mutation",
			Tier:               LevelCommitment,
			Tool:               "cron",
			ContextKeyTemplate: "cron:{params.jobId|params.name}",
		},
		{
			Name:               "config-apply",
			Tier:               LevelIrreversible,
			Tool:               "config_apply",
			ContextKeyTemplate: "config:{params.target|tool}",
		},
		{
			Name:               "delete",
			Tier:               LevelIrreversible,
			ParamConstraints:   map[string]any{"action": "delete"},
			ContextKeyTemplate: "{tool}:{params.action}",
		},
		{
			Name:               "channel-delete",
			Tier:               LevelIrreversible,
			Tool:               "message",
			ParamConstraints:   map[string]any{"action": "channel-delete"},
			ContextKeyTemplate: "message:channel-delete",
		},
		{
			Name:               "thread-reply",
			Tier:               LevelRoutine,
			Tool:               "message",
			ParamConstraints:   map[string]any{"action": "thread-reply"},
			ContextKeyTemplate: "channel:{params.target}",
		},
		{
			Name: "sub-session",
			Tier: LevelRoutine,
			Tool: "spawn_session",
		},
		{
			Name: "file-write",
			Tier: LevelInternal,
			Tool: "file_write",
		},
		DefaultCatchAll(),
	}
}
