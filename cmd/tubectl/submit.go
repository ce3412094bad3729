package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/tube-forge/internal/converter"
	"github.com/yourusername/tube-forge/internal/poller"
)

var (
	outputPath   string
	lang         string
	skipAI       bool
	useDeepSeek  bool
	pollInterval time.Duration
)

func newSubmitCmd(kind poller.Kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind) + " <url>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wrapUsage(runSubmit(cmd, poller.Request{
				Kind:        kind,
				URL:         args[0],
				Lang:        lang,
				SkipAI:      skipAI,
				UseDeepSeek: converter.Bool(useDeepSeek),
			}))
		},
	}
}

func runSubmit(cmd *cobra.Command, req poller.Request) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	opts := poller.DefaultOptions()
	opts.Interval = pollInterval
	opts.Logger = logger
	p := poller.New(client, opts)
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := p.Submit(ctx, req)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	if out.Download != nil {
		defer out.Download.Close()
		return saveDownload(w, out)
	}
	if out.Job == nil {
		return printJSON(w, out.Result)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "job %s queued\n", out.Job.ID)
	state, err := follow(ctx, cmd.ErrOrStderr(), p)
	if errors.Is(err, context.Canceled) {
		// 中断時はサーバー側のジョブもキャンセルする
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, cerr := p.Cancel(cancelCtx); cerr != nil && !errors.Is(cerr, poller.ErrNoActiveJob) {
			logger.Warn("cancel on interrupt failed", slog.Any("error", cerr))
		}
		return err
	}
	if err != nil {
		return err
	}
	if state.Error != "" {
		return errors.New(state.Error)
	}
	if state.Result == nil {
		return fmt.Errorf("job finished with status %s", state.Status)
	}
	return printJSON(w, state.Result)
}

// follow はイベントを読みながら進捗を表示し、Poller が落ち着くまで待ちます。
func follow(ctx context.Context, w io.Writer, p *poller.Poller) (poller.State, error) {
	bus := p.Events()
	var last int64
	for {
		changed := bus.Wait()
		for _, ev := range bus.Since(last) {
			last = ev.Seq
			switch ev.Type {
			case poller.EventStatus:
				fmt.Fprintf(w, "%-10s %5.1f%%\n", ev.Status, ev.Progress)
			case poller.EventError:
				fmt.Fprintf(w, "error: %s\n", ev.Message)
			}
		}

		state := p.Snapshot()
		if state.Settled() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

func saveDownload(w io.Writer, out *poller.Outcome) error {
	path := outputPath
	if path == "" {
		path = filepath.Base(out.Download.Filename)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, out.Download.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "saved %s (%d bytes, %s)\n", path, n, out.Download.ContentType)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{
		newSubmitCmd(poller.KindInfo, "Print video metadata"),
		newSubmitCmd(poller.KindAudio, "Download the audio track"),
		newSubmitCmd(poller.KindVideo, "Download the video"),
		newSubmitCmd(poller.KindTranscript, "Request a transcript and follow the job until it settles"),
	} {
		c.Flags().StringVarP(&outputPath, "output", "o", "", "Output file for downloads")
		c.Flags().StringVar(&lang, "lang", "tr", "Transcript language")
		c.Flags().BoolVar(&skipAI, "skip-ai", false, "Skip AI post-processing")
		c.Flags().BoolVar(&useDeepSeek, "use-deepseek", true, "Use the DeepSeek model for post-processing")
		c.Flags().DurationVar(&pollInterval, "interval", 5*time.Second, "Progress polling interval")
		rootCmd.AddCommand(c)
	}
}
