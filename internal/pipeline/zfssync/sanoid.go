package zfssync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/node"
)

// SanoidPolicy is the subset of a sanoid.conf dataset stanza this daemon
// manages: retention counts per period plus the autosnap/autoprune flags,
// installed onto a node without a dedicated run pipeline of its own.
type SanoidPolicy struct {
	Hourly      int
	Daily       int
	Weekly      int
	Monthly     int
	Yearly      int
	Autosnap    bool
	Autoprune   bool
}

const sanoidConfPath = "/etc/sanoid/sanoid.conf"

// EnsureSanoidPolicy writes or updates dataset's stanza in sanoid.conf on n.
// A no-op if the node's capability probe showed sanoid absent.
func (pl *Pipeline) EnsureSanoidPolicy(ctx context.Context, n *node.Node, dataset string, policy SanoidPolicy) error {
	if !n.SanoidPresent {
		pl.logger.Debug("sanoid: skipping policy write on %s, sanoid not detected", n.Name)
		return nil
	}

	readRes, err := pl.exec.Execute(ctx, n.Target(), "cat "+shellQuote(sanoidConfPath)+" 2>/dev/null", 30*time.Second)
	if err != nil {
		return fmt.Errorf("read sanoid.conf: %w", err)
	}

	existing := ""
	if readRes.Success {
		existing = readRes.Stdout
	}

	updated := upsertSanoidStanza(existing, dataset, policy)

	writeCmd := fmt.Sprintf("mkdir -p /etc/sanoid && cat > %s <<'DAPX_EOF'\n%s\nDAPX_EOF", sanoidConfPath, updated)
	writeRes, err := pl.exec.Execute(ctx, n.Target(), writeCmd, 30*time.Second)
	if err != nil {
		return fmt.Errorf("write sanoid.conf: %w", err)
	}
	if !writeRes.Success {
		return fmt.Errorf("write sanoid.conf failed: %s", writeRes.Stderr)
	}
	return nil
}

func upsertSanoidStanza(existing, dataset string, policy SanoidPolicy) string {
	header := "[" + dataset + "]"
	stanza := renderSanoidStanza(dataset, policy)

	if existing == "" {
		return stanza
	}

	lines := strings.Split(existing, "\n")
	var out []string
	skipping := false
	replaced := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			if trimmed == header {
				out = append(out, strings.Split(stanza, "\n")...)
				skipping = true
				replaced = true
				continue
			}
			skipping = false
		}
		if skipping {
			continue
		}
		out = append(out, line)
	}

	if !replaced {
		out = append(out, "", stanza)
	}
	return strings.Join(out, "\n")
}

func renderSanoidStanza(dataset string, p SanoidPolicy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", dataset)
	fmt.Fprintf(&b, "\tuse_template = production\n")
	fmt.Fprintf(&b, "\thourly = %d\n", p.Hourly)
	fmt.Fprintf(&b, "\tdaily = %d\n", p.Daily)
	fmt.Fprintf(&b, "\tweekly = %d\n", p.Weekly)
	fmt.Fprintf(&b, "\tmonthly = %d\n", p.Monthly)
	fmt.Fprintf(&b, "\tyearly = %d\n", p.Yearly)
	fmt.Fprintf(&b, "\tautosnap = %s\n", boolStr(p.Autosnap))
	fmt.Fprintf(&b, "\tautoprune = %s\n", boolStr(p.Autoprune))
	return b.String()
}

func boolStr(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
