package detection

import (
	"github.com/lucid-vigil/agentwatch/pkg/events"
)

// Shared expressions used by several tables.
const (
	exprExternalURL  = `^\s*https?://`
	exprLocalURL     = `^\s*https?://(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\])(:\d+)?(/|\?|$)`
	exprSecretPath   = `(\.ssh/|\.aws/credentials|\.config/gcloud/|\.azure/|\.kube/config|\.gnupg/|\.netrc|\.git-credentials|\.npmrc|\.pypirc|\.pgpass|(^|/)\.env(\.[\w.-]+)?$|/etc/g?shadow)`
	exprShellProfile = `(\.bashrc|\.zshrc|\.bash_profile|\.zprofile|(^|/)\.profile)$`
	exprScriptFile   = `\.(sh|bash|zsh|py|pl|rb|ps1)$`
)

var (
	bashOnly       = []events.EventType{events.EventBash}
	readOnly       = []events.EventType{events.EventRead}
	webFetchOnly   = []events.EventType{events.EventWebFetch}
	writeOrEdit    = []events.EventType{events.EventWrite, events.EventEdit}
	readOrBash     = []events.EventType{events.EventRead, events.EventBash}
	bashOrWebFetch = []events.EventType{events.EventBash, events.EventWebFetch}
)

// DefaultRuleSet returns the built-in rule tables. Each call returns fresh
// slices, so callers may extend the result before building an analyzer.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Patterns:     defaultPatterns(),
		KillChains:   defaultKillChains(),
		Correlations: defaultCorrelations(),
	}
}

func defaultPatterns() []PatternRule {
	return []PatternRule{
		// Critical
		{
			ID:         "pipe_to_shell",
			Pattern:    `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|k|da)?sh\b`,
			ScoreDelta: 70,
			Reason:     "Remote script piped directly into a shell",
			MITRE:      []string{"T1059.004", "T1105"},
			Category:   CategoryCritical,
			EventTypes: bashOnly,
		},
		{
			ID:         "rm_root",
			Pattern:    `\brm\s+(-\w+\s+)*-[a-z]*r[a-z]*\s+(--no-preserve-root\s+)?(/|/\*|~|~/|\$HOME|\$HOME/)(\s|;|$)`,
			ScoreDelta: 80,
			Reason:     "Recursive deletion of the root or home directory",
			MITRE:      []string{"T1485"},
			Category:   CategoryCritical,
			EventTypes: bashOnly,
		},
		{
			ID:         "disk_wipe",
			Pattern:    `(\bmkfs(\.\w+)?\s|\bdd\s+.*of=/dev/(sd|nvme|hd|disk|xvd))`,
			ScoreDelta: 80,
			Reason:     "Raw disk overwrite or filesystem creation",
			MITRE:      []string{"T1561"},
			Category:   CategoryCritical,
			EventTypes: bashOnly,
		},
		{
			ID:         "reverse_shell",
			Pattern:    `(/dev/tcp/|\b(nc|ncat|netcat)\s+(-\w+\s+)*-[a-z]*e\s|\bsocat\s+.*exec:|mkfifo\s+\S+.*\b(nc|ncat)\b)`,
			ScoreDelta: 80,
			Reason:     "Reverse shell construction",
			MITRE:      []string{"T1059.004", "T1095"},
			Category:   CategoryCritical,
			EventTypes: bashOnly,
		},
		{
			ID:         "base64_exec",
			Pattern:    `base64\s+(-d|--decode|-D)\b.*\|\s*(ba|z)?sh\b`,
			ScoreDelta: 60,
			Reason:     "Obfuscated payload decoded and executed",
			MITRE:      []string{"T1140", "T1059.004"},
			Category:   CategoryCritical,
			EventTypes: bashOnly,
		},
		{
			ID:         "password_hashes",
			Pattern:    `/etc/g?shadow\b`,
			ScoreDelta: 60,
			Reason:     "Access to system password hashes",
			MITRE:      []string{"T1003.008"},
			Category:   CategoryCritical,
		},
		{
			ID:         "fork_bomb",
			Pattern:    `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			ScoreDelta: 80,
			Reason:     "Fork bomb",
			MITRE:      []string{"T1499"},
			Category:   CategoryCritical,
			EventTypes: bashOnly,
		},

		// High
		{
			ID:         "sudo",
			Pattern:    `(^|[\s;&|(])sudo\s`,
			ScoreDelta: 35,
			Reason:     "Privilege escalation via sudo",
			MITRE:      []string{"T1548.003"},
			Category:   CategoryHigh,
			EventTypes: bashOnly,
		},
		{
			ID:         "ssh_keys",
			Pattern:    `\.ssh/(id_\w+|identity|authorized_keys)`,
			Exclude:    `\.pub$`,
			ScoreDelta: 40,
			Reason:     "Access to SSH private keys",
			MITRE:      []string{"T1552.004"},
			Category:   CategoryHigh,
		},
		{
			ID:         "cloud_credentials",
			Pattern:    `(\.aws/credentials|\.config/gcloud/|\.azure/|\.kube/config)`,
			ScoreDelta: 40,
			Reason:     "Access to cloud provider credentials",
			MITRE:      []string{"T1552.001"},
			Category:   CategoryHigh,
		},
		{
			ID:         "credential_files",
			Pattern:    `((^|/)\.env(\.[\w.-]+)?$|\.netrc|\.git-credentials|\.npmrc|\.pypirc|\.pgpass)`,
			Exclude:    `\.env\.(example|sample|template|dist)$`,
			ScoreDelta: 30,
			Reason:     "Access to a file commonly holding secrets",
			MITRE:      []string{"T1552.001"},
			Category:   CategoryHigh,
		},
		{
			ID:         "setuid_chmod",
			Pattern:    `\bchmod\s+(-\w+\s+)*([ugoa]*\+[rwx]*s|[2467][0-7]{3})\b`,
			ScoreDelta: 40,
			Reason:     "Setting setuid or setgid bits",
			MITRE:      []string{"T1548.001"},
			Category:   CategoryHigh,
			EventTypes: bashOnly,
		},
		{
			ID:         "persistence_files",
			Pattern:    `(\.bashrc|\.zshrc|\.bash_profile|\.zprofile|(^|/)\.profile|/etc/cron|/var/spool/cron|/etc/systemd/|\.config/systemd/|LaunchAgents/|LaunchDaemons/|/etc/rc\.local|/etc/init\.d/)`,
			ScoreDelta: 35,
			Reason:     "Modification of a shell startup or autostart location",
			MITRE:      []string{"T1546.004", "T1547"},
			Category:   CategoryHigh,
			EventTypes: writeOrEdit,
		},
		{
			ID:         "crontab",
			Pattern:    `\bcrontab\s`,
			Exclude:    `\bcrontab\s+-l\b`,
			ScoreDelta: 30,
			Reason:     "Scheduled task modification",
			MITRE:      []string{"T1053.003"},
			Category:   CategoryHigh,
			EventTypes: bashOnly,
		},
		{
			ID:         "history_tampering",
			Pattern:    `(history\s+-c|unset\s+HISTFILE|HISTFILE=/dev/null|HISTSIZE=0|\brm\s+.*\.(bash|zsh)_history)`,
			ScoreDelta: 45,
			Reason:     "Shell history tampering",
			MITRE:      []string{"T1070.003"},
			Category:   CategoryHigh,
			EventTypes: bashOnly,
		},
		{
			ID:         "security_tools_disabled",
			Pattern:    `(setenforce\s+0|\bufw\s+disable|iptables\s+-F|systemctl\s+(stop|disable|mask)\s+(firewalld|apparmor|auditd|selinux))`,
			ScoreDelta: 50,
			Reason:     "Disabling host security controls",
			MITRE:      []string{"T1562.001"},
			Category:   CategoryHigh,
			EventTypes: bashOnly,
		},
		{
			ID:         "system_config_write",
			Pattern:    `^/(etc|usr/local/bin|usr/bin|bin|sbin)/`,
			ScoreDelta: 40,
			Reason:     "Write to a system directory",
			MITRE:      []string{"T1222"},
			Category:   CategoryHigh,
			EventTypes: writeOrEdit,
		},
		{
			ID:         "git_force_push",
			Pattern:    `\bgit\s+push\b.*(\s--force\b|\s-f\b)`,
			Exclude:    `--force-with-lease`,
			ScoreDelta: 30,
			Reason:     "Force push rewriting remote history",
			MITRE:      []string{"T1565.001"},
			Category:   CategoryHigh,
			EventTypes: bashOnly,
		},

		// Medium
		{
			ID:         "target_truncated",
			Pattern:    `\[agentwatch: \d+ bytes elided\]`,
			ScoreDelta: 20,
			Reason:     "Oversized target had its middle elided",
			MITRE:      []string{"T1027.001"},
			Category:   CategoryMedium,
		},
		{
			ID:         "rm_recursive",
			Pattern:    `\brm\s+(-\w+\s+)*-[a-z]*r`,
			ScoreDelta: 15,
			Reason:     "Recursive file deletion",
			MITRE:      []string{"T1070.004"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},
		{
			ID:         "git_destructive",
			Pattern:    `\bgit\s+(reset\s+--hard|clean\s+-[a-z]*f|checkout\s+--\s+\.|branch\s+-D)`,
			ScoreDelta: 20,
			Reason:     "Destructive git operation",
			MITRE:      []string{"T1485"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},
		{
			ID:         "remote_download",
			Pattern:    `\b(curl|wget)\b.*https?://`,
			ScoreDelta: 15,
			Reason:     "Download from a remote host",
			MITRE:      []string{"T1105"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},
		{
			ID:         "webfetch_external",
			Pattern:    exprExternalURL,
			Exclude:    exprLocalURL,
			ScoreDelta: 10,
			Reason:     "Web request to an external host",
			MITRE:      []string{"T1071.001"},
			Category:   CategoryMedium,
			EventTypes: webFetchOnly,
		},
		{
			ID:         "raw_network_tool",
			Pattern:    `\b(nc|ncat|netcat|socat|telnet)\s`,
			ScoreDelta: 25,
			Reason:     "Raw network client usage",
			MITRE:      []string{"T1095"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},
		{
			ID:         "world_writable",
			Pattern:    `\bchmod\s+(-\w+\s+)*(0?777|a\+w|o\+w)\b`,
			ScoreDelta: 25,
			Reason:     "Making files world-writable",
			MITRE:      []string{"T1222.002"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},
		{
			ID:         "eval",
			Pattern:    `\beval\s+["'$(]`,
			ScoreDelta: 20,
			Reason:     "Dynamic shell evaluation",
			MITRE:      []string{"T1059.004"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},
		{
			ID:         "env_dump",
			Pattern:    `^\s*(env|printenv|export\s+-p|set)\s*($|\|)`,
			ScoreDelta: 15,
			Reason:     "Environment variables dumped",
			MITRE:      []string{"T1552.001"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},
		{
			ID:         "process_kill",
			Pattern:    `(\bkill\s+-(9|KILL)\b|\bpkill\s|\bkillall\s)`,
			ScoreDelta: 10,
			Reason:     "Forceful process termination",
			MITRE:      []string{"T1489"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},
		{
			ID:         "system_discovery",
			Pattern:    `(^|[;&|]\s*)(whoami|id|hostname|uname\s+-a|ifconfig|ip\s+a(ddr)?|cat\s+/etc/passwd|sudo\s+-l)(\s|$)`,
			ScoreDelta: 5,
			Reason:     "System and account discovery",
			MITRE:      []string{"T1082", "T1033"},
			Category:   CategoryMedium,
			EventTypes: bashOnly,
		},

		// Safe
		{
			ID:         "brew_install",
			Pattern:    `\bbrew\s+(install|upgrade|update|reinstall)\b`,
			ScoreDelta: -20,
			Reason:     "Homebrew package management",
			Category:   CategorySafe,
			EventTypes: bashOnly,
		},
		{
			ID:         "build_artifact_cleanup",
			Pattern:    `\brm\s+(-\w+\s+)*(\./)?(node_modules|dist|build|target|coverage|out|\.next|\.nuxt|\.cache|\.turbo|__pycache__|\.pytest_cache|\.mypy_cache|\.venv|venv|\.tox)/?(\s|;|&|$)`,
			ScoreDelta: -10,
			Reason:     "Cleanup of build artifacts",
			Category:   CategorySafe,
			EventTypes: bashOnly,
		},
		{
			ID:         "dev_workflow",
			Pattern:    `\b((npm|pnpm|yarn|bun)\s+(install|ci|run|test|build)|pip3?\s+install\s+-r\s|go\s+(build|test|vet|mod)|cargo\s+(build|test|check)|make(\s+\w+)?\s*$|pytest|jest)\b`,
			ScoreDelta: -10,
			Reason:     "Routine build or test command",
			Category:   CategorySafe,
			EventTypes: bashOnly,
		},
		{
			ID:         "git_readonly",
			Pattern:    `^\s*git\s+(status|diff|log|show|branch|fetch|remote\s+-v)\b`,
			ScoreDelta: -5,
			Reason:     "Read-only git command",
			Category:   CategorySafe,
			EventTypes: bashOnly,
		},
		{
			ID:         "local_fetch",
			Pattern:    exprLocalURL,
			ScoreDelta: -5,
			Reason:     "Request to a local development server",
			Category:   CategorySafe,
			EventTypes: bashOrWebFetch,
		},
		{
			ID:         "env_template",
			Pattern:    `\.env\.(example|sample|template|dist)$`,
			ScoreDelta: -5,
			Reason:     "Environment template file",
			Category:   CategorySafe,
		},
	}
}

func defaultKillChains() []KillChainDefinition {
	return []KillChainDefinition{
		{
			Name:        "credential_harvest",
			Description: "Credential material read and then sent to an external host",
			ScoreBonus:  40,
			MITRE:       "T1552",
			Steps: []EventMatcher{
				{Types: readOnly, Pattern: exprSecretPath},
				{Types: webFetchOnly, Pattern: exprExternalURL, Exclude: exprLocalURL},
			},
			MaxWindowSeconds: 600,
		},
		{
			Name:        "credential_exfil_shell",
			Description: "Credential material accessed and then shipped out with a shell network tool",
			ScoreBonus:  40,
			MITRE:       "T1041",
			Steps: []EventMatcher{
				{Types: readOrBash, Pattern: exprSecretPath},
				{Types: bashOnly, Pattern: `\b(curl|wget|nc|ncat|scp|rsync|ftp)\b.*(https?://|\S+@\S+:|\s\d{1,3}(\.\d{1,3}){3}\b)`},
			},
			MaxWindowSeconds: 600,
		},
		{
			Name:        "recon_then_escalate",
			Description: "Account or system discovery followed by a privilege escalation attempt",
			ScoreBonus:  30,
			MITRE:       "T1548",
			Steps: []EventMatcher{
				{Types: bashOnly, Pattern: `(^|[;&|]\s*)(whoami|id|uname\s+-a|cat\s+/etc/passwd|sudo\s+-l)(\s|$)`},
				{Types: bashOnly, Pattern: `((^|[\s;&|(])sudo\s|\bchmod\s+(-\w+\s+)*([ugoa]*\+[rwx]*s|[2467][0-7]{3})\b|(^|[\s;&|])su(\s+-)?(\s+root)?\s*$)`},
			},
			MaxWindowSeconds: 900,
		},
		{
			Name:        "download_and_execute",
			Description: "Remote content saved to disk, made executable or run",
			ScoreBonus:  35,
			MITRE:       "T1105",
			Steps: []EventMatcher{
				{Types: bashOnly, Pattern: `\b(curl|wget)\b.*https?://.*(\s-o\s|\s-O\b|\s--output\b|>)`},
				{Types: bashOnly, Pattern: `(\bchmod\s+(-\w+\s+)*(\+x|[0-7]?[157][0-7]{2})\b|(^|[;&|]\s*)(ba|z)?sh\s+\S+|(^|[;&|]\s*)\./\S+)`},
			},
			MaxWindowSeconds: 300,
		},
		{
			Name:        "persistence_install",
			Description: "Autostart location modified and then activated",
			ScoreBonus:  30,
			MITRE:       "T1547",
			Steps: []EventMatcher{
				{Types: writeOrEdit, Pattern: `(\.bashrc|\.zshrc|\.bash_profile|\.zprofile|(^|/)\.profile|/etc/cron|/etc/systemd/|\.config/systemd/|LaunchAgents/|LaunchDaemons/)`},
				{Types: bashOnly, Pattern: `(\bsource\s|^\s*\.\s+\S|\bcrontab\s|\bsystemctl\s+(--user\s+)?(enable|start|daemon-reload)\b|\blaunchctl\s+(load|bootstrap)\b)`},
			},
			MaxWindowSeconds: 1800,
		},
		{
			Name:        "staged_exfiltration",
			Description: "Data archived and then uploaded",
			ScoreBonus:  30,
			MITRE:       "T1048",
			Steps: []EventMatcher{
				{Types: bashOnly, Pattern: `\b(tar\s+-?[a-z]*c|zip\s|7z\s+a\b|gzip\s)`},
				{Types: bashOnly, Pattern: `(\bcurl\s.*(\s-T\s|--upload-file|\s-F\s|--data-binary\s+@|\s-d\s*@)|\bscp\s|\brsync\s.*\S+:\S*|\bftp\s)`},
			},
			MaxWindowSeconds: 900,
		},
	}
}

func defaultCorrelations() []CorrelationRule {
	return []CorrelationRule{
		{
			Name:             "write_then_execute",
			Description:      "A script written by the agent is executed shortly after",
			Source:           EventMatcher{Types: writeOrEdit, Pattern: exprScriptFile},
			Target:           EventMatcher{Types: bashOnly, Pattern: `((^|[\s;&|])((ba|z)?sh|python3?|perl|ruby|source|pwsh)\s+\S*\.(sh|bash|zsh|py|pl|rb|ps1)\b|(^|[\s;&|])\./\S+\.(sh|bash|py|pl|rb)\b)`},
			ScoreModifier:    15,
			MITRE:            "T1059",
			MaxWindowSeconds: 600,
		},
		{
			Name:             "sensitive_read_then_stage",
			Description:      "Sensitive file read followed by a write to a temporary location",
			Source:           EventMatcher{Types: readOrBash, Pattern: `(/etc/(passwd|shadow|group)|\.ssh/|\.aws/|\.gnupg/|\.kube/config)`},
			Target:           EventMatcher{Types: writeOrEdit, Pattern: `^(/tmp/|/var/tmp/|/dev/shm/)`},
			ScoreModifier:    20,
			MITRE:            "T1074.001",
			MaxWindowSeconds: 600,
		},
		{
			Name:             "fetch_then_shell_eval",
			Description:      "External content fetched followed by dynamic shell evaluation",
			Source:           EventMatcher{Types: webFetchOnly, Pattern: exprExternalURL, Exclude: exprLocalURL},
			Target:           EventMatcher{Types: bashOnly, Pattern: `((^|[\s;&|])(ba|z)?sh\s+-c\s|\beval\s)`},
			ScoreModifier:    10,
			MITRE:            "T1059.004",
			MaxWindowSeconds: 300,
		},
		{
			Name:             "profile_edit_then_reload",
			Description:      "Shell profile edited and then sourced into the running shell",
			Source:           EventMatcher{Types: writeOrEdit, Pattern: exprShellProfile},
			Target:           EventMatcher{Types: bashOnly, Pattern: `(\bsource\s+\S*(rc|profile)\b|^\s*\.\s+\S*(rc|profile)\b)`},
			ScoreModifier:    10,
			MITRE:            "T1546.004",
			MaxWindowSeconds: 600,
		},
	}
}
