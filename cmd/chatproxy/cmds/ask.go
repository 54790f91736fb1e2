package cmds

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatproxy/pkg/conversation"
	"github.com/go-go-golems/chatproxy/pkg/server"
)

type askSettings struct {
	Server   string
	Parent   string
	User     string
	Password string
	Quiet    bool
}

func NewAskCommand() *cobra.Command {
	s := askSettings{}
	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send one message to a running chatproxy and stream the reply",
		Long: "Send one message to a running chatproxy server. The prompt is read from the arguments, " +
			"or from stdin when none are given. Pass the printed message id as --parent to continue the thread.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read prompt")
				}
				prompt = strings.TrimSpace(string(b))
			}
			if prompt == "" {
				return errors.New("empty prompt")
			}
			out := cmd.OutOrStdout()
			res, err := ask(cmd.Context(), http.DefaultClient, s, prompt, deltaPrinter(out, s.Quiet))
			if err != nil {
				return err
			}
			if s.Quiet {
				_, _ = fmt.Fprintln(out, res.Text)
			} else {
				_, _ = fmt.Fprintln(out)
			}
			_, _ = fmt.Fprintln(out, footerStyle(out).Render("message id: "+res.MessageID))
			return nil
		},
	}
	cmd.Flags().StringVar(&s.Server, "server", "http://localhost:3000", "Base URL of the chatproxy server")
	cmd.Flags().StringVar(&s.Parent, "parent", "", "Message id to reply to")
	cmd.Flags().StringVar(&s.User, "user", "", "Basic auth user")
	cmd.Flags().StringVar(&s.Password, "password", "", "Basic auth password")
	cmd.Flags().BoolVar(&s.Quiet, "quiet", false, "Print only the final reply instead of streaming it")
	return cmd
}

type askResult struct {
	MessageID string
	Text      string
	Events    int
}

func ask(ctx context.Context, client *http.Client, s askSettings, prompt string, onText func(string)) (askResult, error) {
	req := server.ConversationRequest{
		Action:          "next",
		ParentMessageID: s.Parent,
		Messages:        []server.ConversationMessage{{ID: uuid.NewString()}},
	}
	req.Messages[0].Author.Role = "user"
	req.Messages[0].Content.ContentType = "text"
	req.Messages[0].Content.Parts = []string{prompt}

	body, err := json.Marshal(req)
	if err != nil {
		return askResult{}, errors.Wrap(err, "encode request")
	}
	url := strings.TrimRight(s.Server, "/") + server.APIPrefix + "/conversation"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return askResult{}, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.User != "" {
		httpReq.SetBasicAuth(s.User, s.Password)
	}

	log.Debug().Str("url", url).Str("parent", s.Parent).Msg("posting conversation")
	resp, err := client.Do(httpReq)
	if err != nil {
		return askResult{}, errors.Wrap(err, "post conversation")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return askResult{}, errors.Errorf("server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return readConversationStream(resp.Body, onText)
}

// readConversationStream consumes "add" events until the done sentinel and
// returns the last message seen.
func readConversationStream(r io.Reader, onText func(string)) (askResult, error) {
	res := askResult{}
	br := bufio.NewReader(r)
	var (
		event string
		data  []string
	)
	dispatch := func() (bool, error) {
		defer func() { event, data = "", nil }()
		if len(data) == 0 {
			return false, nil
		}
		payload := strings.Join(data, "\n")
		if payload == conversation.DoneSentinel {
			return true, nil
		}
		if event != "" && event != conversation.EventAdd {
			return false, nil
		}
		var add conversation.AddPayload
		if err := json.Unmarshal([]byte(payload), &add); err != nil {
			return false, errors.Wrap(err, "decode event")
		}
		res.Events++
		res.MessageID = add.Message.ID
		if len(add.Message.Content.Parts) > 0 {
			res.Text = add.Message.Content.Parts[0]
		}
		if onText != nil {
			onText(res.Text)
		}
		return false, nil
	}

	handle := func(line string) (bool, error) {
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			return dispatch()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		return false, nil
	}

	for {
		line, err := br.ReadString('\n')
		if line != "" {
			done, herr := handle(line)
			if herr != nil || done {
				return res, herr
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return res, errors.Wrap(err, "read stream")
		}
		done, derr := dispatch()
		if derr != nil || done {
			return res, derr
		}
		return res, errors.New("stream ended without " + conversation.DoneSentinel)
	}
}

// deltaPrinter prints the growth of the cumulative text. A text that does not
// extend the previous one (an error notice) is printed on its own line.
func deltaPrinter(w io.Writer, quiet bool) func(string) {
	if quiet {
		return nil
	}
	prev := ""
	return func(text string) {
		if strings.HasPrefix(text, prev) {
			_, _ = io.WriteString(w, text[len(prev):])
		} else {
			_, _ = fmt.Fprintf(w, "\n%s", text)
		}
		prev = text
	}
}

func footerStyle(w io.Writer) lipgloss.Style {
	style := lipgloss.NewStyle()
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		style = style.Faint(true).Foreground(lipgloss.Color("8"))
	}
	return style
}
