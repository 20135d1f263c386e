package slack

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/foremanhq/foreman/internal/metrics"
	"github.com/foremanhq/foreman/internal/prompt"
	"github.com/foremanhq/foreman/internal/session"
)

// Notifier posts operator messages to the configured channel. Every send
// is best-effort: failures are logged and counted, never propagated.
// It implements both the session and the scheduler notifier contracts.
type Notifier struct {
	api     BotAPI
	channel string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	threads map[string]string // prompt message timestamp → sessionID
}

// NewNotifier creates a Notifier posting to channel.
func NewNotifier(api BotAPI, channel string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "slack.notifier").Logger(),
		threads: make(map[string]string),
	}
}

// SetMetrics attaches the metrics collector.
func (n *Notifier) SetMetrics(m *metrics.Metrics) { n.metrics = m }

// SessionForThread resolves a thread timestamp back to the session whose
// prompt message started it. Used to route thread replies as answers.
func (n *Notifier) SessionForThread(threadTS string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.threads[threadTS]
	return id, ok
}

func (n *Notifier) forget(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ts, id := range n.threads {
		if id == sessionID {
			delete(n.threads, ts)
		}
	}
}

// SessionNeedsInput posts the prompt with answer buttons and records the
// message timestamp so thread replies can be routed back.
func (n *Notifier) SessionNeedsInput(sessionID, workItemKey string, p prompt.Prompt) {
	blocks := BuildPromptBlocks(sessionID, workItemKey, p)
	_, ts, err := n.api.PostMessage(n.channel, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		n.sendFailed(err, "prompt")
		return
	}

	n.mu.Lock()
	n.threads[ts] = sessionID
	n.mu.Unlock()
}

// SessionNotice relays an informational agent message.
func (n *Notifier) SessionNotice(_, workItemKey, text string) {
	n.post(fmt.Sprintf("ℹ️ `%s`: %s", workItemKey, truncate(text, 2500)), "notice")
}

// SessionTerminal announces a terminal state and drops the session's
// thread bookkeeping.
func (n *Notifier) SessionTerminal(sessionID, workItemKey string, status session.Status, summary string) {
	n.forget(sessionID)
	n.post(statusLine(workItemKey, status, summary), "terminal")
}

// AutoStarted announces a scheduler-started item.
func (n *Notifier) AutoStarted(projectKey string, number int, title string) {
	n.post(fmt.Sprintf("🚀 Auto-started `%s#%d` %s", projectKey, number, truncate(title, 200)), "auto_start")
}

// CapacityDeferred reports unblocked items waiting for a free slot.
func (n *Notifier) CapacityDeferred(projectKey string, numbers []int) {
	refs := make([]string, len(numbers))
	for i, num := range numbers {
		refs[i] = fmt.Sprintf("#%d", num)
	}
	n.post(fmt.Sprintf("⏸️ `%s`: %s unblocked but deferred, no free slots", projectKey, strings.Join(refs, ", ")), "deferred")
}

// TreeComplete announces a fully resolved dependency tree.
func (n *Notifier) TreeComplete(projectKey string) {
	n.post(fmt.Sprintf("🎉 `%s`: dependency tree complete, all tracked items resolved", projectKey), "tree_complete")
}

// CycleDetected reports a dependency cycle.
func (n *Notifier) CycleDetected(projectKey string, cycle []int) {
	refs := make([]string, len(cycle))
	for i, num := range cycle {
		refs[i] = fmt.Sprintf("#%d", num)
	}
	n.post(fmt.Sprintf("🔄 `%s`: circular dependency %s", projectKey, strings.Join(refs, " → ")), "cycle")
}

func (n *Notifier) post(text, kind string) {
	_, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.sendFailed(err, kind)
	}
}

func (n *Notifier) sendFailed(err error, kind string) {
	n.logger.Warn().Err(err).Str("kind", kind).Msg("notification send failed")
	n.metrics.RecordNotifyFailure()
}
