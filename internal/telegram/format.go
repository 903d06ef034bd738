package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
)

// Telegram rejects messages above 4096 characters.
const maxMessageLen = 4000

func formatChanges(ev monitor.ChangeEvent) string {
	var b strings.Builder
	b.WriteString("🔔 <b>Grade update</b>\n")
	writeChangeGroups(&b, ev.Changes)
	return b.String()
}

func writeChangeGroups(b *strings.Builder, changes []grades.Change) {
	type group struct {
		id, name string
		items    []grades.Change
	}
	var order []string
	groups := make(map[string]*group)
	for _, c := range changes {
		g, ok := groups[c.Key.CourseID]
		if !ok {
			g = &group{id: c.Key.CourseID, name: c.CourseName}
			groups[c.Key.CourseID] = g
			order = append(order, c.Key.CourseID)
		}
		g.items = append(g.items, c)
	}
	for _, id := range order {
		g := groups[id]
		fmt.Fprintf(b, "\n<b>%s</b>\n", courseTitle(g.id, g.name))
		for _, c := range g.items {
			fmt.Fprintf(b, "• %s: %s\n", esc(componentLabel(c.Key.Component)), changeText(c))
		}
	}
}

func changeText(c grades.Change) string {
	cur := "<b>" + esc(c.Current.String()) + "</b>"
	weight := ""
	if c.Weight > 0 {
		weight = fmt.Sprintf(" (%%%d)", c.Weight)
	}
	switch c.Kind {
	case grades.Changed:
		return fmt.Sprintf("%s → %s%s", esc(c.Previous.String()), cur, weight)
	default:
		return cur + weight
	}
}

func formatGrades(snap grades.Snapshot, ok bool) string {
	if !ok || len(snap.Records) == 0 {
		return "No grades recorded yet. Run /check first."
	}
	records := snap.Sorted()

	var b strings.Builder
	fmt.Fprintf(&b, "📚 <b>Grades</b> (as of %s)\n", snap.CapturedAt.Local().Format("02.01.2006 15:04"))
	current := ""
	for _, r := range records {
		if r.CourseID != current {
			current = r.CourseID
			fmt.Fprintf(&b, "\n<b>%s</b>\n", courseTitle(r.CourseID, r.CourseName))
		}
		value := "—"
		if !r.Value.IsNull() {
			value = esc(r.Value.String())
		}
		line := fmt.Sprintf("• %s: %s", esc(componentLabel(r.Component)), value)
		if r.Weight > 0 {
			line += fmt.Sprintf(" (%%%d)", r.Weight)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatStatus(st monitor.Status, now time.Time) string {
	var b strings.Builder
	icon := "🟢"
	if st.State == monitor.Paused {
		icon = "⏸"
	}
	fmt.Fprintf(&b, "%s <b>Monitoring %s</b>\n", icon, st.State)
	fmt.Fprintf(&b, "Interval: %s\n", time.Duration(st.IntervalSeconds)*time.Second)
	fmt.Fprintf(&b, "Checks: %d\n", st.Checks)
	fmt.Fprintf(&b, "Last check: %s\n", ago(st.LastCheck, now))
	fmt.Fprintf(&b, "Last success: %s\n", ago(st.LastSuccess, now))
	if !st.SnapshotAt.IsZero() {
		fmt.Fprintf(&b, "Records: %d\n", st.Records)
	}
	if st.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, "Failures in a row: %d\n", st.ConsecutiveFailures)
	}
	if st.LastError != nil {
		fmt.Fprintf(&b, "Last error: <code>%s</code> %s\n", st.LastError.Kind, ago(st.LastError.At, now))
	}
	if st.Resources != nil {
		fmt.Fprintf(&b, "Memory: %.1f MiB, CPU: %.1f%%\n", float64(st.Resources.RSSBytes)/(1<<20), st.Resources.CPUPercent)
	}
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Uptime: %s\n", now.Sub(st.StartedAt).Truncate(time.Second))
	}
	return b.String()
}

func formatCheck(res monitor.CheckResult) string {
	switch {
	case res.Baseline:
		return fmt.Sprintf("✅ First check done: %d records saved. Future changes will be reported.", res.Records)
	case len(res.Changes) == 0:
		return fmt.Sprintf("✅ No changes (%d records).", res.Records)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 <b>%d change(s)</b>\n", len(res.Changes))
	writeChangeGroups(&b, res.Changes)
	return b.String()
}

func formatAlert(a monitor.Alert) string {
	switch a.Kind {
	case monitor.AlertPaused:
		return "⛔ <b>Monitoring paused</b>\n" + esc(a.Message) + "\nFix the credentials and send /start."
	case monitor.AlertDegraded:
		return fmt.Sprintf("⚠️ <b>%d checks failed in a row</b> (%s)\n<code>%s</code>", a.Failures, a.ErrorKind, esc(a.Message))
	case monitor.AlertRecovered:
		return "✅ " + esc(a.Message)
	}
	return esc(a.Message)
}

func formatLogs(lines []string) string {
	if len(lines) == 0 {
		return "No log lines yet."
	}
	return "<pre>" + esc(strings.Join(lines, "\n")) + "</pre>"
}

const helpText = `<b>OIS grade tracker</b>
/start - resume monitoring
/stop - pause monitoring
/check - check grades now
/status - monitoring status
/grades - last saved grades
/logs - recent log lines
/help - this message`

func courseTitle(id, name string) string {
	if name == "" {
		return esc(id)
	}
	return esc(name) + " (" + esc(id) + ")"
}

func componentLabel(c string) string {
	switch c {
	case grades.ComponentLetterGrade:
		return "Letter grade"
	case grades.ComponentSuccessScore:
		return "Success score"
	}
	return c
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Minute {
		return "just now"
	}
	return d.Truncate(time.Minute).String() + " ago"
}

func esc(s string) string { return html.EscapeString(s) }

// splitMessage cuts text on line boundaries into chunks of at most limit
// bytes. A single longer line is cut hard.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var (
		chunks []string
		cur    strings.Builder
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if cur.Len()+len(line) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
