package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"threadflow/internal/delivery"
	kit "threadflow/internal/transport"
	logx "threadflow/pkg/logx"
)

// scriptLine is one JSONL record on stdin.
//
//	{"session":"s1","op":"text","text":"hello "}
//	{"session":"s1","op":"file","filename":"out.txt","content":"aGVsbG8=","comment":"done"}
//	{"session":"s1","op":"post","text":"standalone message"}
//	{"session":"s1","op":"update","channel":"C123","ts":"1700000000.000100","text":"edited"}
//	{"session":"s1","op":"delete","channel":"C123","ts":"1700000000.000100"}
//	{"session":"s1","op":"wait"}
//	{"session":"s1","op":"release"}
//
// File content is base64. "wait" blocks until the session's queue drains,
// "release" stops the session.
type scriptLine struct {
	Session  string `json:"session"`
	Op       string `json:"op"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Channel  string `json:"channel,omitempty"`
	TS       string `json:"ts,omitempty"`
}

func replayScript(ctx context.Context, r io.Reader, reg *delivery.Registry, channel string, log logx.Logger) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		var line scriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return fmt.Errorf("script line %d: %w", lineNo, err)
		}
		if line.Session == "" {
			return fmt.Errorf("script line %d: missing session", lineNo)
		}

		if err := applyLine(ctx, reg, channel, line); err != nil {
			log.Warn("script op failed",
				logx.Int("line", lineNo),
				logx.String("session", line.Session),
				logx.String("op", line.Op),
				logx.Err(err))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	return nil
}

func applyLine(ctx context.Context, reg *delivery.Registry, channel string, line scriptLine) error {
	q := reg.QueueFor(line.Session, channel)

	switch line.Op {
	case "text":
		return q.EnqueueTextUpdate(line.Text)
	case "file":
		content, err := base64.StdEncoding.DecodeString(line.Content)
		if err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
		return q.EnqueueFileUpload(line.Filename, content, line.Comment)
	case "post":
		return q.EnqueueMessagePost(line.Text, nil)
	case "update":
		return q.EnqueueMessageUpdate(kit.MessageRef{Channel: line.Channel, ID: line.TS}, line.Text, nil)
	case "delete":
		return q.EnqueueMessageDelete(kit.MessageRef{Channel: line.Channel, ID: line.TS})
	case "wait":
		return q.WaitUntilComplete(ctx)
	case "release":
		return reg.Release(ctx, line.Session)
	default:
		return fmt.Errorf("unknown op %q", line.Op)
	}
}
