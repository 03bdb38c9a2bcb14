// Package policy classifies shell command strings before execution and
// classifies execution/API errors for retry decisions.
package policy

import (
	"regexp"
	"strings"
)

// Verdict is the result of evaluating one command string.
type Verdict struct {
	Allowed  bool
	Reason   string   // set when denied
	Warnings []string // interactive / audit notices
}

type pattern struct {
	re     *regexp.Regexp
	reason string
}

// Dangerous patterns always deny, regardless of allowlist.
var dangerous = []pattern{
	{regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|/\*)(\s|$)`), "destructive removal of the root directory"},
	{regexp.MustCompile(`(?i)\brm\s+-rf?\s+~(/|\s|$)`), "destructive removal of the home directory"},
	{regexp.MustCompile(`(?i)(/etc/shadow|/etc/passwd\b.*>(>)?|~?/\.ssh/id_[a-z0-9]+|\.aws/credentials|\.npmrc\b.*token)`), "access to system credential files"},
	{regexp.MustCompile(`(?i)\b(env|printenv|set)\b.*\|\s*(curl|wget|nc|ncat)\b`), "environment exfiltration through a network pipe"},
	{regexp.MustCompile(`(?i)\b(nc|ncat|netcat)\b.*\s-[a-z]*e[a-z]*\s`), "reverse shell idiom"},
	{regexp.MustCompile(`(?i)\b(bash|sh|zsh)\s+-i\s+.*\bdev/tcp/`), "reverse shell idiom"},
	{regexp.MustCompile("\\$\\([^)]*\\$\\("), "nested command substitution"},
	{regexp.MustCompile("`[^`]*\\$\\("), "nested command substitution"},
	{regexp.MustCompile(`(?i)\bbase64\b.*\|\s*(bash|sh|zsh|python[0-9.]*)\b`), "base64-decoded execution"},
	{regexp.MustCompile(`(?i)\b(sudo\s+su|su\s+-\s*root|chmod\s+[0-7]*4[0-7]{3})\b`), "privilege escalation"},
	{regexp.MustCompile(`(?i)\b(kill\s+-9\s+-1|killall\s+-9|pkill\s+-9\s+\.)`), "mass process kill"},
	{regexp.MustCompile(`(?i)\b(dd|cat)\b.*\bof=/dev/(sd|hd|nvme|disk)`), "write to a block device"},
	{regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme|disk)`), "write to a block device"},
	{regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`), "filesystem formatting"},
	{regexp.MustCompile(`(?i)\b(crontab\s+-|systemctl\s+(disable|mask|stop)\s+|service\s+\S+\s+stop|launchctl\s+unload)`), "cron or service manipulation"},
	{regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`), "system shutdown or reboot"},
	{regexp.MustCompile(`(?i):\(\)\s*{\s*:\|:&\s*}\s*;`), "fork bomb"},
}

// Interactive patterns run but are flagged; they usually hang a non-TTY shell.
var interactive = []pattern{
	{regexp.MustCompile(`(?i)^\s*sudo\b`), "sudo may prompt for a password"},
	{regexp.MustCompile(`(?i)^\s*(vi|vim|nvim|nano|emacs)\b`), "editor requires an interactive terminal"},
	{regexp.MustCompile(`(?i)^\s*(ssh|telnet|ftp|sftp)\b`), "interactive network session"},
}

// Audit patterns are allowed but logged; they reach outside the repo.
var audit = []pattern{
	{regexp.MustCompile(`(?i)^\s*(curl|wget)\b`), "network fetch"},
	{regexp.MustCompile(`(?i)\bgit\s+push\b`), "push to a remote"},
	{regexp.MustCompile(`(?i)\bnpm\s+publish\b`), "package publish"},
	{regexp.MustCompile(`(?i)^\s*docker\b`), "container operation"},
}

// Checker evaluates commands against the dangerous/interactive/audit tables
// plus an optional allowlist of safe base commands. An empty allowlist means
// any command that does not match a dangerous pattern is allowed.
type Checker struct {
	allowlist map[string]bool
	denylist  []pattern
}

// NewChecker builds a Checker. allowed lists safe base commands (first token);
// denied adds extra regexp patterns treated as dangerous.
func NewChecker(allowed []string, denied []string) *Checker {
	c := &Checker{}
	if len(allowed) > 0 {
		c.allowlist = make(map[string]bool, len(allowed))
		for _, a := range allowed {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" {
				c.allowlist[a] = true
			}
		}
	}
	for _, d := range denied {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if re, err := regexp.Compile("(?i)" + d); err == nil {
			c.denylist = append(c.denylist, pattern{re: re, reason: "matches configured deny pattern"})
		}
	}
	return c
}

// Check classifies one command string.
func (c *Checker) Check(command string) Verdict {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Verdict{Allowed: false, Reason: "empty command"}
	}

	for _, p := range dangerous {
		if p.re.MatchString(cmd) {
			return Verdict{Allowed: false, Reason: p.reason}
		}
	}
	for _, p := range c.denylist {
		if p.re.MatchString(cmd) {
			return Verdict{Allowed: false, Reason: p.reason}
		}
	}

	v := Verdict{Allowed: true}
	for _, p := range interactive {
		if p.re.MatchString(cmd) {
			v.Warnings = append(v.Warnings, p.reason)
		}
	}
	for _, p := range audit {
		if p.re.MatchString(cmd) {
			v.Warnings = append(v.Warnings, "audit: "+p.reason)
		}
	}

	if c.allowlist != nil {
		base := baseCommand(cmd)
		if !c.allowlist[base] {
			return Verdict{Allowed: false, Reason: "command not in allowlist: " + base}
		}
	}
	return v
}

func baseCommand(cmd string) string {
	fields := strings.Fields(cmd)
	for _, f := range fields {
		// Skip leading env assignments (FOO=bar cmd ...).
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "/") && !strings.HasPrefix(f, ".") {
			continue
		}
		f = strings.ToLower(f)
		if i := strings.LastIndexByte(f, '/'); i >= 0 {
			f = f[i+1:]
		}
		return f
	}
	return ""
}
