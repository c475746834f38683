package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"msgstore/internal/msg"
	"msgstore/internal/thread"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve PATH",
	Short: "Show how a resource identifier is routed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd.Context(), "Resolve")
		if err != nil {
			return err
		}
		defer a.Close()

		ref, err := a.Resolve(args[0])
		if err != nil {
			return err
		}
		return render(os.Stdout, output, ref, func(w io.Writer) error {
			fmt.Fprintf(w, "Deposition: %s\n", ref.DepositionID)
			fmt.Fprintf(w, "Category:   %s\n", ref.Category)
			fmt.Fprintf(w, "Partition:  %d\n", ref.Partition)
			fmt.Fprintf(w, "Format:     %s\n", ref.Format)
			fmt.Fprintf(w, "Version:    %d\n", ref.Version)
			fmt.Fprintf(w, "Virtual:    %t\n", ref.Virtual)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send PATH",
	Short: "Append a message to a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		sender, _ := flags.GetString("sender")
		subject, _ := flags.GetString("subject")
		text, _ := flags.GetString("text")
		textFile, _ := flags.GetString("text-file")
		msgType, _ := flags.GetString("type")
		parent, _ := flags.GetString("parent")
		id, _ := flags.GetString("id")
		contextType, _ := flags.GetString("context-type")
		contextValue, _ := flags.GetString("context-value")
		draft, _ := flags.GetBool("draft")
		watermark, _ := flags.GetInt("watermark")
		fileSpecs, _ := flags.GetStringArray("file")
		origSender, _ := flags.GetString("orig-sender")
		origRecipient, _ := flags.GetString("orig-recipient")
		origDate, _ := flags.GetString("orig-date")
		origSubject, _ := flags.GetString("orig-subject")
		origID, _ := flags.GetString("orig-identifier")
		origAttachments, _ := flags.GetString("orig-attachments")

		if textFile != "" {
			var data []byte
			var err error
			if textFile == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(textFile)
			}
			if err != nil {
				return fmt.Errorf("reading message text: %w", err)
			}
			text = string(data)
		}

		sub := msg.Submission{
			Message: msg.Message{
				MessageID:       id,
				Sender:          sender,
				Subject:         subject,
				Text:            text,
				MessageType:     msgType,
				ParentMessageID: parent,
				ContextType:     contextType,
				ContextValue:    contextValue,
			},
			Watermark: watermark,
		}
		if draft {
			sub.Message.SendStatus = msg.No
		}
		if origSender+origRecipient+origDate+origSubject+origID+origAttachments != "" {
			sub.OrigComm = &msg.OrigCommReference{
				OrigSender:       origSender,
				OrigRecipient:    origRecipient,
				OrigTimestamp:    origDate,
				OrigSubject:      origSubject,
				OrigDepositionID: origID,
				OrigAttachments:  origAttachments,
			}
		}
		for _, s := range fileSpecs {
			f, err := parseFileSpec(s)
			if err != nil {
				return err
			}
			sub.Files = append(sub.Files, f)
		}

		a, err := newApp(cmd.Context(), "Submit")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Submit(cmd.Context(), args[0], sub)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if !res.OK {
			return fmt.Errorf("message not stored: %s does not name a message collection", args[0])
		}

		fmt.Printf("Stored message %s as #%d\n", res.MessageID, res.MessageOrdinal)
		for _, f := range res.FailedFiles {
			fmt.Printf("File not associated: %s\n", f)
		}
		if res.MirrorFailed {
			fmt.Println("Warning: depositor copy was not updated")
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages DEPOSITION",
	Short: "List the messages of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		catName, _ := flags.GetString("category")
		search, _ := flags.GetString("search")
		fieldPairs, _ := flags.GetStringArray("field")
		drafts, _ := flags.GetBool("drafts")
		locked, _ := flags.GetBool("locked")
		output, _ := flags.GetString("output")

		c, err := parseCategory(catName)
		if err != nil {
			return err
		}
		fields, err := parseFields(fieldPairs)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "ListMessages")
		if err != nil {
			return err
		}
		defer a.Close()

		views, err := a.Messages(cmd.Context(), args[0], c, msg.Filter{Search: search, Fields: fields, Drafts: drafts, Locked: locked})
		if err != nil {
			return err
		}
		return render(os.Stdout, output, views, func(w io.Writer) error {
			if len(views) == 0 {
				fmt.Fprintln(w, "No messages.")
				return nil
			}
			for _, v := range views {
				draftMark := ""
				if v.IsDraft() {
					draftMark = "  [draft]"
				}
				fmt.Fprintf(w, "%s #%-3d %s  %-12s  %-14s  %s%s\n",
					statusIndicator(v.Status),
					v.OrdinalID,
					v.MessageID,
					v.Sender,
					humanize.Time(v.Timestamp),
					v.Subject,
					draftMark,
				)
				for _, f := range v.Files {
					fmt.Fprintf(w, "        %s.%s P%d V%d %s\n", f.ContentType, f.ContentFormat, f.PartitionNumber, f.VersionID, f.UploadFileName)
				}
			}
			return nil
		})
	},
}

// statusIndicator renders read, action-required and for-release as three
// columns, e.g. "RA ".
func statusIndicator(st *msg.Status) string {
	if st == nil {
		return "?  "
	}
	var b strings.Builder
	for _, f := range []struct {
		flag msg.Flag
		mark byte
	}{{st.ReadStatus, 'R'}, {st.ActionRequired, 'A'}, {st.ForRelease, 'F'}} {
		if f.flag.Bool() {
			b.WriteByte(f.mark)
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

var markReadCmd = &cobra.Command{
	Use:   "mark-read DEPOSITION MESSAGE_ID",
	Short: "Mark a message as read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "MarkRead")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.MarkRead(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("mark-read failed: %w", err)
		}
		fmt.Printf("Marked %s as read\n", args[1])
		return nil
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag DEPOSITION MESSAGE_ID",
	Short: "Set the read, action-required and for-release flags of a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var st msg.Status
		st.MessageID = args[1]
		for _, f := range []struct {
			name string
			dst  *msg.Flag
		}{{"read", &st.ReadStatus}, {"action", &st.ActionRequired}, {"release", &st.ForRelease}} {
			raw, _ := flags.GetString(f.name)
			v, err := parseFlag(raw)
			if err != nil {
				return fmt.Errorf("--%s: %w", f.name, err)
			}
			*f.dst = v
		}
		if st.ActionRequired == "" {
			st.ActionRequired = msg.No
		}
		if st.ForRelease == "" {
			st.ForRelease = msg.No
		}

		a, err := newApp(cmd.Context(), "Tag")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Tag(cmd.Context(), args[0], st); err != nil {
			return fmt.Errorf("tag failed: %w", err)
		}
		fmt.Printf("Tagged %s\n", args[1])
		return nil
	},
}

type threadLine struct {
	Depth   int         `json:"depth" yaml:"depth"`
	Message msg.Message `json:"message" yaml:"message"`
}

var threadCmd = &cobra.Command{
	Use:   "thread DEPOSITION",
	Short: "Show the threaded correspondence of a deposition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd.Context(), "History")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		lines := make([]threadLine, len(entries))
		for i, e := range entries {
			lines[i] = threadLine{Depth: e.Depth, Message: e.Item}
		}
		return render(os.Stdout, output, lines, func(w io.Writer) error {
			if len(entries) == 0 {
				fmt.Fprintln(w, "No messages.")
				return nil
			}
			return thread.Render(w, entries, func(m msg.Message) string {
				return fmt.Sprintf("%s  %-9s %s: %s", m.Timestamp.Format("2006-01-02 15:04"), shortCategory(m.Category), m.Sender, m.Subject)
			})
		})
	},
}

func shortCategory(c msg.Category) string {
	for alias, cat := range categoryAliases {
		if cat == c {
			return "[" + alias + "]"
		}
	}
	return "[" + string(c) + "]"
}

var statusCmd = &cobra.Command{
	Use:   "status DEPOSITION",
	Short: "Show the global read, action and release checks of a deposition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd.Context(), "Summary")
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.Summary(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(os.Stdout, output, sum, func(w io.Writer) error {
			fmt.Fprintf(w, "All read:          %t\n", sum.AllRead)
			fmt.Fprintf(w, "All actioned:      %t\n", sum.AllActioned)
			fmt.Fprintf(w, "Release flags:     %t\n", sum.AnyReleaseFlags)
			fmt.Fprintf(w, "Notes:             %d\n", sum.Notes.Count)
			fmt.Fprintf(w, "Annotator notes:   %t\n", sum.Notes.Annotator)
			fmt.Fprintf(w, "Flagged notes:     %t\n", sum.Notes.Flagged)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{resolveCmd, messagesCmd, threadCmd, statusCmd} {
		c.Flags().StringP("output", "o", "text", "Output format: text, yaml or json")
	}

	f := sendCmd.Flags()
	f.String("sender", "", "Sender of the message")
	f.String("subject", "", "Message subject")
	f.String("text", "", "Message body")
	f.String("text-file", "", "Read the message body from a file, or - for stdin")
	f.String("type", "", "Message type (default text)")
	f.String("parent", "", "Message id this message replies to")
	f.String("id", "", "Message id (default: generated; an existing draft id updates the draft)")
	f.String("context-type", "", "Context type")
	f.String("context-value", "", "Context value")
	f.Bool("draft", false, "Store the message as an unsent draft")
	f.Int("watermark", 0, "Refuse to write unless the collection already holds this many messages")
	f.StringArray("file", nil, "Associate a file: TYPE:FORMAT[:PARTITION[:VERSION]][=NAME] (repeatable)")
	f.String("orig-sender", "", "Sender of the archived or forwarded communication")
	f.String("orig-recipient", "", "Recipient of the archived or forwarded communication")
	f.String("orig-date", "", "Date of the archived or forwarded communication")
	f.String("orig-subject", "", "Subject of the archived or forwarded communication")
	f.String("orig-identifier", "", "Deposition id the archived or forwarded communication belonged to")
	f.String("orig-attachments", "", "Attachments of the archived or forwarded communication")
	_ = sendCmd.MarkFlagRequired("sender")

	f = messagesCmd.Flags()
	f.StringP("category", "c", "to", "Collection: to, from, notes or a full category name")
	f.StringP("search", "s", "", "Case-insensitive search over subject, text, sender, id and type")
	f.StringArray("field", nil, "Match an attribute: name=value (repeatable)")
	f.Bool("drafts", false, "Include unsent drafts")
	f.Bool("locked", false, "Read under the collection lock")

	f = tagCmd.Flags()
	f.String("read", "", "Read flag (Y/N); only changes messages already read")
	f.String("action", "N", "Action-required flag (Y/N)")
	f.String("release", "N", "For-release flag (Y/N)")
}
