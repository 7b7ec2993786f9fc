// Package format renders GitHub webhook events as plain text chat
// messages.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"

	"github.com/simplesurance/onebothook/internal/stringutils"
)

// Placeholder is used for values that are missing in the event payload.
const Placeholder = "unknown"

const (
	// MaxCommits is the max. number of commits listed in a push message.
	MaxCommits = 5
	// commentPreviewLen is the max. number of characters of a comment
	// body included in a message.
	commentPreviewLen = 100
	shortCommitIDLen  = 7
)

// Format returns the message for an event.
// event is the value returned by github.ParseWebHook() for eventType, nil
// or unsupported types are rendered as generic event notification.
// The returned text only depends on the passed arguments.
func Format(eventType string, event any, ruleName string) string {
	var sb strings.Builder

	switch ev := event.(type) {
	case *github.PushEvent:
		formatPush(&sb, ev)
	case *github.PullRequestEvent:
		formatPullRequest(&sb, ev)
	case *github.IssuesEvent:
		formatIssue(&sb, ev)
	case *github.IssueCommentEvent:
		formatIssueComment(&sb, ev)
	case *github.ReleaseEvent:
		formatRelease(&sb, ev)
	case *github.PingEvent:
		formatPing(&sb, ev)
	default:
		formatGeneric(&sb, eventType, event)
	}

	if ruleName != "" {
		fmt.Fprintf(&sb, "Rule: %s\n", ruleName)
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

func orPlaceholder(s string) string {
	if s == "" {
		return Placeholder
	}

	return s
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func shortCommitID(id string) string {
	if len(id) <= shortCommitIDLen {
		return orPlaceholder(id)
	}

	return id[:shortCommitIDLen]
}

// BranchFromRef returns the branch name of a git reference.
// If ref does not start with "refs/heads/", it is returned unchanged.
func BranchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func writeURL(sb *strings.Builder, url string) {
	if url != "" {
		fmt.Fprintf(sb, "Link: %s\n", url)
	}
}

func formatPush(sb *strings.Builder, ev *github.PushEvent) {
	pusher := ev.GetPusher().GetName()
	if pusher == "" {
		pusher = ev.GetSender().GetLogin()
	}

	fmt.Fprintf(sb, "[GitHub] Push to %s\n", orPlaceholder(ev.GetRepo().GetFullName()))
	fmt.Fprintf(sb, "Branch: %s\n", orPlaceholder(BranchFromRef(ev.GetRef())))
	fmt.Fprintf(sb, "Pusher: %s\n", orPlaceholder(pusher))
	fmt.Fprintf(sb, "Commits: %d\n", len(ev.Commits))

	for i, c := range ev.Commits {
		if i == MaxCommits {
			fmt.Fprintf(sb, "+%d more\n", len(ev.Commits)-MaxCommits)
			break
		}

		fmt.Fprintf(sb, "[%s] %s (by %s)\n",
			shortCommitID(c.GetID()),
			orPlaceholder(firstLine(c.GetMessage())),
			orPlaceholder(c.GetAuthor().GetName()),
		)
	}

	writeURL(sb, ev.GetCompare())
}

func formatPullRequest(sb *strings.Builder, ev *github.PullRequestEvent) {
	pr := ev.GetPullRequest()

	action := ev.GetAction()
	if action == "closed" && pr.GetMerged() {
		action = "merged"
	}

	user := ev.GetSender().GetLogin()
	if user == "" {
		user = pr.GetUser().GetLogin()
	}

	fmt.Fprintf(sb, "[GitHub] Pull request %s\n", orPlaceholder(action))
	fmt.Fprintf(sb, "Repository: %s\n", orPlaceholder(ev.GetRepo().GetFullName()))
	fmt.Fprintf(sb, "PR #%d: %s\n", pr.GetNumber(), orPlaceholder(pr.GetTitle()))
	fmt.Fprintf(sb, "User: %s\n", orPlaceholder(user))
	fmt.Fprintf(sb, "State: %s\n", orPlaceholder(pr.GetState()))

	base := pr.GetBase().GetRef()
	head := pr.GetHead().GetRef()
	if base != "" && head != "" {
		fmt.Fprintf(sb, "Branch: %s <- %s\n", base, head)
	}

	writeURL(sb, pr.GetHTMLURL())
}

func formatIssue(sb *strings.Builder, ev *github.IssuesEvent) {
	issue := ev.GetIssue()

	user := ev.GetSender().GetLogin()
	if user == "" {
		user = issue.GetUser().GetLogin()
	}

	fmt.Fprintf(sb, "[GitHub] Issue %s\n", orPlaceholder(ev.GetAction()))
	fmt.Fprintf(sb, "Repository: %s\n", orPlaceholder(ev.GetRepo().GetFullName()))
	fmt.Fprintf(sb, "Issue #%d: %s\n", issue.GetNumber(), orPlaceholder(issue.GetTitle()))
	fmt.Fprintf(sb, "User: %s\n", orPlaceholder(user))
	fmt.Fprintf(sb, "State: %s\n", orPlaceholder(issue.GetState()))

	if len(issue.Labels) > 0 {
		labels := make([]string, 0, len(issue.Labels))
		for _, l := range issue.Labels {
			labels = append(labels, l.GetName())
		}

		fmt.Fprintf(sb, "Labels: %s\n", strings.Join(labels, ", "))
	}

	writeURL(sb, issue.GetHTMLURL())
}

func formatIssueComment(sb *strings.Builder, ev *github.IssueCommentEvent) {
	issue := ev.GetIssue()
	comment := ev.GetComment()

	kind := "Issue"
	if issue.IsPullRequest() {
		kind = "PR"
	}

	user := ev.GetSender().GetLogin()
	if user == "" {
		user = comment.GetUser().GetLogin()
	}

	fmt.Fprintf(sb, "[GitHub] %s comment %s\n", kind, orPlaceholder(ev.GetAction()))
	fmt.Fprintf(sb, "Repository: %s\n", orPlaceholder(ev.GetRepo().GetFullName()))
	fmt.Fprintf(sb, "%s #%d: %s\n", kind, issue.GetNumber(), orPlaceholder(issue.GetTitle()))
	fmt.Fprintf(sb, "User: %s\n", orPlaceholder(user))

	if body := comment.GetBody(); body != "" && ev.GetAction() != "deleted" {
		fmt.Fprintf(sb, "Comment: %s\n", preview(body, commentPreviewLen))
	}

	writeURL(sb, comment.GetHTMLURL())
}

// preview returns the first maxLen characters of s with line breaks
// replaced by spaces. If s is truncated "..." is appended.
func preview(s string, maxLen int) string {
	return stringutils.SingleLine(stringutils.Truncate(s, maxLen, "..."))
}

func formatRelease(sb *strings.Builder, ev *github.ReleaseEvent) {
	rel := ev.GetRelease()

	name := rel.GetName()
	if name == "" {
		name = rel.GetTagName()
	}

	user := ev.GetSender().GetLogin()
	if user == "" {
		user = rel.GetAuthor().GetLogin()
	}

	fmt.Fprintf(sb, "[GitHub] Release %s\n", orPlaceholder(ev.GetAction()))
	fmt.Fprintf(sb, "Repository: %s\n", orPlaceholder(ev.GetRepo().GetFullName()))
	fmt.Fprintf(sb, "Release: %s (%s)\n", orPlaceholder(name), orPlaceholder(rel.GetTagName()))
	fmt.Fprintf(sb, "User: %s\n", orPlaceholder(user))

	if rel.GetPrerelease() {
		sb.WriteString("Type: pre-release\n")
	}

	if ts := rel.GetPublishedAt(); !ts.IsZero() {
		fmt.Fprintf(sb, "Published: %s\n", ts.UTC().Format(time.RFC3339))
	}

	writeURL(sb, rel.GetHTMLURL())
}

func formatPing(sb *strings.Builder, ev *github.PingEvent) {
	sb.WriteString("[GitHub] Webhook ping\n")
	fmt.Fprintf(sb, "Hook ID: %d\n", ev.GetHookID())
	fmt.Fprintf(sb, "Zen: %s\n", orPlaceholder(ev.GetZen()))
}

func formatGeneric(sb *strings.Builder, eventType string, event any) {
	var repo, action, sender string

	if ev, ok := event.(interface{ GetRepo() *github.Repository }); ok {
		repo = ev.GetRepo().GetFullName()
	}

	if ev, ok := event.(interface{ GetAction() string }); ok {
		action = ev.GetAction()
	}

	if ev, ok := event.(interface{ GetSender() *github.User }); ok {
		sender = ev.GetSender().GetLogin()
	}

	fmt.Fprintf(sb, "[GitHub] Unrecognized event: %s\n", orPlaceholder(eventType))
	fmt.Fprintf(sb, "Repository: %s\n", orPlaceholder(repo))

	if action != "" {
		fmt.Fprintf(sb, "Action: %s\n", action)
	}

	fmt.Fprintf(sb, "User: %s\n", orPlaceholder(sender))
}
