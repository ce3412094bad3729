// Package poller は変換ジョブを投入から終端状態まで追跡するステートマシンを提供します。
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yourusername/tube-forge/internal/cache"
	"github.com/yourusername/tube-forge/internal/converter"
	"github.com/yourusername/tube-forge/internal/retry"
)

// Client は Poller が利用する変換APIの操作です。
type Client interface {
	GetVideoInfo(ctx context.Context, videoURL string) (*converter.VideoInfo, error)
	DownloadAudio(ctx context.Context, videoURL string) (*converter.Download, error)
	DownloadVideo(ctx context.Context, videoURL string) (*converter.Download, error)
	GetVideoTranscript(ctx context.Context, videoURL string, opts converter.TranscriptOptions) (*converter.TranscriptResponse, error)
	GetProgress(ctx context.Context, jobID string) (*converter.Progress, error)
	GetResult(ctx context.Context, jobID string) (json.RawMessage, error)
	CancelJob(ctx context.Context, jobID string) (*converter.CancelResponse, error)
}

// Recorder は成功したリクエストをキャッシュに記録します。
type Recorder interface {
	Record(ctx context.Context, rec cache.Record) error
}

// Options は Poller の動作設定です。
type Options struct {
	Interval      time.Duration // 進捗ポーリング間隔
	ResultRetry   retry.Policy  // 結果未確定（202）時の再試行
	ErrorRetry    retry.Policy  // 通信エラー・5xx 時の再試行
	DefaultLang   string
	MaxEvents     int
	RecordTimeout time.Duration
	Recorder      Recorder
	Logger        *slog.Logger
}

// DefaultOptions は5秒間隔のポーリングと上限付きの再試行を設定します。
func DefaultOptions() Options {
	return Options{
		Interval: 5 * time.Second,
		ResultRetry: retry.Policy{
			MaxRetries:  8,
			InitialWait: time.Second,
			MaxWait:     10 * time.Second,
			Multiplier:  2,
		},
		ErrorRetry: retry.Policy{
			MaxRetries:  2,
			InitialWait: time.Second,
			MaxWait:     5 * time.Second,
			Multiplier:  2,
		},
		DefaultLang:   "tr",
		MaxEvents:     200,
		RecordTimeout: 10 * time.Second,
	}
}

// Outcome は Submit の戻り値です。Download がある場合は呼び出し側が閉じます。
type Outcome struct {
	Result   *Result
	Job      *Job
	Download *converter.Download
}

type step int

const (
	stepContinue step = iota
	stepFetch
	stepStop
)

// Poller は1セッションにつき1つのジョブを追跡します。
// 同時に進行できるリクエストは1件だけです。
type Poller struct {
	client Client
	opts   Options
	logger *slog.Logger
	events *EventBus

	mu        sync.Mutex
	userID    string
	busy      bool
	canceling bool
	job       *Job
	result    *Result
	errMsg    string
	message   string
	epoch     uint64 // Submit と Reset ごとに進む
	run       uint64 // ポーリングの世代。古いタイマーの結果を捨てるために使う
	stopRun   context.CancelFunc
	polling   bool
	fetching  bool
	closed    bool

	wg sync.WaitGroup
}

// New は Poller を作成します。
func New(client Client, opts Options) *Poller {
	defaults := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.ResultRetry == (retry.Policy{}) {
		opts.ResultRetry = defaults.ResultRetry
	}
	if opts.ErrorRetry == (retry.Policy{}) {
		opts.ErrorRetry = defaults.ErrorRetry
	}
	if opts.DefaultLang == "" {
		opts.DefaultLang = defaults.DefaultLang
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = defaults.RecordTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client: client,
		opts:   opts,
		logger: logger,
		events: NewEventBus(opts.MaxEvents),
	}
}

// SetUserID はキャッシュ記録に使うユーザーIDを設定します。
func (p *Poller) SetUserID(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userID = userID
}

// Events はイベントバスを返します。
func (p *Poller) Events() *EventBus {
	return p.events
}

// Submit はリクエストを送信します。同期結果はそのまま返し、
// 非同期ハンドルが返された場合はジョブを queued で作成してポーリングを開始します。
func (p *Poller) Submit(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.busy || p.canceling || p.fetching || (p.job != nil && !p.job.Status.Terminal()) {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	// 前回のジョブに紐づくタイマーと状態を破棄する
	p.stopLocked()
	p.epoch++
	epoch := p.epoch
	p.job, p.result = nil, nil
	p.errMsg, p.message = "", ""
	p.busy = true
	p.publishLocked(Event{Type: EventSubmitted, Message: string(req.Kind)})
	p.mu.Unlock()

	out, rec, err := p.dispatch(ctx, req)

	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		if out != nil && out.Download != nil {
			_ = out.Download.Close()
		}
		return nil, ErrSuperseded
	}
	p.busy = false
	if err != nil {
		p.errMsg = err.Error()
		p.publishLocked(Event{Type: EventError, Message: p.errMsg})
		p.mu.Unlock()
		return nil, err
	}

	if out.Job != nil {
		job := *out.Job
		p.job = &job
		p.publishLocked(Event{Type: EventStatus, JobID: job.ID, Status: job.Status})
		p.startPollingLocked(job.ID)
	} else {
		p.result = out.Result
		p.publishLocked(Event{Type: EventResult, Message: string(out.Result.Kind)})
	}
	userID := p.userID
	p.mu.Unlock()

	if rec != nil {
		rec.UserID = userID
		p.record(*rec)
	}
	return out, nil
}

// dispatch は種別ごとに変換APIを呼び出します。
func (p *Poller) dispatch(ctx context.Context, req Request) (*Outcome, *cache.Record, error) {
	switch req.Kind {
	case KindInfo:
		info, err := p.client.GetVideoInfo(ctx, req.URL)
		if err != nil {
			return nil, nil, err
		}
		result := &Result{
			Kind:       KindInfo,
			VideoID:    info.VideoID,
			VideoTitle: info.Title,
			Info:       info.Raw,
		}
		return &Outcome{Result: result}, recordFor(result), nil

	case KindAudio, KindVideo:
		fetch := p.client.DownloadAudio
		if req.Kind == KindVideo {
			fetch = p.client.DownloadVideo
		}
		dl, err := fetch(ctx, req.URL)
		if err != nil {
			return nil, nil, err
		}
		result := &Result{
			Kind:    req.Kind,
			VideoID: VideoIDFromURL(req.URL),
			Download: &DownloadMeta{
				Filename:    dl.Filename,
				ContentType: dl.ContentType,
				Size:        dl.Size,
			},
		}
		return &Outcome{Result: result, Download: dl}, recordFor(result), nil

	case KindTranscript:
		lang := req.Lang
		if lang == "" {
			lang = p.opts.DefaultLang
		}
		resp, err := p.client.GetVideoTranscript(ctx, req.URL, converter.TranscriptOptions{
			Lang:        lang,
			SkipAI:      req.SkipAI,
			UseDeepSeek: req.UseDeepSeek,
		})
		if err != nil {
			return nil, nil, err
		}
		videoID := resp.VideoID
		if videoID == "" {
			videoID = VideoIDFromURL(req.URL)
		}
		if resp.Async() {
			now := time.Now().UTC()
			job := &Job{
				ID:          resp.Handle.ProcessingID,
				Status:      StatusQueued,
				VideoID:     videoID,
				VideoTitle:  resp.VideoTitle,
				CreatedAt:   now,
				LastUpdated: now,
			}
			return &Outcome{Job: job}, nil, nil
		}
		result := &Result{
			Kind:       KindTranscript,
			VideoID:    videoID,
			VideoTitle: resp.VideoTitle,
			Transcript: resp.Transcript,
		}
		return &Outcome{Result: result}, recordFor(result), nil
	}
	return nil, nil, &InvalidRequestError{Reason: fmt.Sprintf("unsupported request type: %q", req.Kind)}
}

func (p *Poller) startPollingLocked(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	p.run++
	p.stopRun = cancel
	p.polling = true
	p.fetching = false
	p.wg.Add(1)
	go p.pollLoop(ctx, p.run, jobID)
}

// stopLocked は進行中のポーリングと結果取得を止め、世代を進めます。
func (p *Poller) stopLocked() {
	if p.stopRun != nil {
		p.stopRun()
		p.stopRun = nil
	}
	p.run++
	p.polling = false
	p.fetching = false
}

// releaseRunLocked は自然終了したポーリングの後始末をします。
func (p *Poller) releaseRunLocked() {
	if p.stopRun != nil {
		p.stopRun()
		p.stopRun = nil
	}
	p.polling = false
	p.fetching = false
}

// pollLoop は前回の応答を受け取ってから Interval 待って次の問い合わせを行います。
func (p *Poller) pollLoop(ctx context.Context, run uint64, jobID string) {
	defer p.wg.Done()

	for {
		progress, err := p.client.GetProgress(ctx, jobID)
		switch p.applyProgress(run, jobID, progress, err) {
		case stepFetch:
			p.fetchResult(ctx, run, jobID)
			return
		case stepStop:
			return
		}

		timer := time.NewTimer(p.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// applyProgress は進捗レスポンスを反映し、次の動作を返します。
// 世代かジョブIDが一致しない応答は古いタイマーのものとして捨てます。
func (p *Poller) applyProgress(run uint64, jobID string, progress *converter.Progress, err error) step {
	p.mu.Lock()
	defer p.mu.Unlock()

	if run != p.run || p.job == nil || p.job.ID != jobID || p.job.Status.Terminal() {
		return stepStop
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return stepStop
		}
		p.errMsg = err.Error()
		if errors.Is(err, converter.ErrNotFound) {
			// 404 のジョブは失敗として確定する
			p.job.Status = StatusFailed
			p.job.LastUpdated = time.Now().UTC()
			p.releaseRunLocked()
			p.publishLocked(Event{Type: EventError, JobID: jobID, Status: p.job.Status, Message: p.errMsg})
			return stepStop
		}
		p.logger.Warn("poller: progress request failed", slog.String("job_id", jobID), slog.Any("error", err))
		p.publishLocked(Event{Type: EventError, JobID: jobID, Status: p.job.Status, Message: p.errMsg})
		return stepContinue
	}

	p.errMsg = ""
	job := p.job
	if progress.VideoID != "" {
		job.VideoID = progress.VideoID
	}
	if progress.VideoTitle != "" {
		job.VideoTitle = progress.VideoTitle
	}
	if !progress.CreatedAt.IsZero() {
		job.CreatedAt = progress.CreatedAt.Time
	}
	if !progress.LastUpdated.IsZero() {
		job.LastUpdated = progress.LastUpdated.Time
	} else {
		job.LastUpdated = time.Now().UTC()
	}
	job.QueuePosition = string(progress.QueuePosition)

	percent := clampPercent(progress.Progress)
	next := stepContinue

	switch {
	case progress.Status == converter.JobStatusFailed:
		job.Status = StatusFailed
		p.errMsg = firstNonEmpty(progress.Error, progress.Message, "ジョブの処理に失敗しました。")
		p.releaseRunLocked()
		next = stepStop
	case progress.Status == converter.JobStatusCanceled:
		job.Status = StatusCanceled
		p.message = progress.Message
		p.releaseRunLocked()
		next = stepStop
	case progress.Status == converter.JobStatusCompleted || percent >= 100:
		// failed 以外で100%に達した場合も完了として扱う
		job.Status = StatusCompleted
		job.Progress = 100
		p.polling = false
		p.fetching = true
		next = stepFetch
	default:
		if !(progress.Status == converter.JobStatusQueued && job.Status == StatusQueued) {
			job.Status = StatusProcessing
		}
		if percent > job.Progress {
			job.Progress = percent
		}
	}

	p.publishLocked(Event{Type: EventStatus, JobID: jobID, Status: job.Status, Progress: job.Progress, Message: p.errMsg})
	return next
}

// fetchResult は完了したジョブの結果を一度だけ取得します。
func (p *Poller) fetchResult(ctx context.Context, run uint64, jobID string) {
	payload, err := retry.Do(ctx, p.classifyResultError, func(ctx context.Context) (json.RawMessage, error) {
		return p.client.GetResult(ctx, jobID)
	})

	p.mu.Lock()
	if run != p.run || p.job == nil || p.job.ID != jobID {
		p.mu.Unlock()
		return
	}

	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) && converter.IsStillProcessing(err) {
			p.errMsg = fmt.Sprintf("結果の準備が完了しませんでした（%d回試行）: %s", exhausted.Attempts, err)
		} else {
			p.errMsg = err.Error()
		}
		p.releaseRunLocked()
		p.publishLocked(Event{Type: EventError, JobID: jobID, Status: p.job.Status, Message: p.errMsg})
		p.mu.Unlock()
		return
	}

	job := p.job
	result := &Result{
		Kind:       KindTranscript,
		JobID:      jobID,
		VideoID:    job.VideoID,
		VideoTitle: job.VideoTitle,
		Transcript: payload,
	}
	p.result = result
	// 結果を取得したのでジョブのハンドルは破棄する
	p.job = nil
	p.errMsg = ""
	p.releaseRunLocked()
	p.publishLocked(Event{Type: EventResult, JobID: jobID, Status: StatusCompleted, Progress: 100})
	userID := p.userID
	p.mu.Unlock()

	if rec := recordFor(result); rec != nil {
		rec.UserID = userID
		p.record(*rec)
	}
}

// classifyResultError は「まだ処理中」とそれ以外のエラーで再試行回数を分けます。
func (p *Poller) classifyResultError(err error) retry.Decision {
	if converter.IsStillProcessing(err) {
		return retry.Decision{Retry: true, Class: "processing", Policy: p.opts.ResultRetry}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Decision{}
	}
	var apiErr *converter.APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return retry.Decision{}
	}
	return retry.Decision{Retry: true, Class: "error", Policy: p.opts.ErrorRetry}
}

// Cancel は進行中のジョブのキャンセルをサーバーに依頼します。
// 成功した時点でローカルの状態を canceled にしてポーリングを止めます。
func (p *Poller) Cancel(ctx context.Context) (*converter.CancelResponse, error) {
	p.mu.Lock()
	if p.job == nil || p.job.Status.Terminal() {
		p.mu.Unlock()
		return nil, ErrNoActiveJob
	}
	if p.canceling {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	p.canceling = true
	jobID := p.job.ID
	epoch := p.epoch
	p.mu.Unlock()

	resp, err := p.client.CancelJob(ctx, jobID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if epoch != p.epoch {
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
	p.canceling = false

	if err != nil {
		p.errMsg = err.Error()
		p.publishLocked(Event{Type: EventError, JobID: jobID, Message: p.errMsg})
		return nil, err
	}
	if p.job == nil || p.job.ID != jobID || p.job.Status.Terminal() {
		// 応答待ちの間に終端状態へ進んだジョブは変更しない
		p.publishLocked(Event{Type: EventStatus, JobID: jobID})
		return resp, nil
	}

	p.job.Status = StatusCanceled
	p.job.LastUpdated = time.Now().UTC()
	if resp.QueuePosition != "" {
		p.job.QueuePosition = string(resp.QueuePosition)
	}
	p.message = resp.Message
	p.errMsg = ""
	p.stopLocked()
	p.publishLocked(Event{Type: EventCanceled, JobID: jobID, Status: StatusCanceled, Progress: p.job.Progress, Message: resp.Message})
	return resp, nil
}

// Reset は全ての状態を破棄し、進行中のタイマーを無効化します。
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Poller) resetLocked() {
	p.stopLocked()
	p.epoch++
	p.job, p.result = nil, nil
	p.errMsg, p.message = "", ""
	p.busy = false
	p.canceling = false
	p.publishLocked(Event{Type: EventReset})
}

// Close は Reset したうえで以後の Submit を拒否し、ゴルーチンの終了を待ちます。
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.resetLocked()
	p.mu.Unlock()
	p.wg.Wait()
}

// Snapshot は現在の状態のコピーを返します。
func (p *Poller) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Poller) snapshotLocked() State {
	state := State{
		Status:   StatusNone,
		Error:    p.errMsg,
		Message:  p.message,
		Busy:     p.busy || p.canceling,
		Polling:  p.polling,
		Fetching: p.fetching,
	}
	if p.job != nil {
		job := *p.job
		state.Job = &job
		state.Status = job.Status
	}
	if p.result != nil {
		result := *p.result
		state.Result = &result
		if state.Job == nil {
			state.Status = StatusCompleted
		}
	}
	return state
}

// Wait は進行中の通信とポーリングが全て終わるまで待ちます。
func (p *Poller) Wait(ctx context.Context) (State, error) {
	for {
		p.mu.Lock()
		state := p.snapshotLocked()
		// 状態変化は全て publishLocked を通るので、ロック中に取得したチャネルで取りこぼさない
		changed := p.events.Wait()
		p.mu.Unlock()

		if state.Settled() {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

func (p *Poller) publishLocked(event Event) {
	p.events.Publish(event)
}

// record はキャッシュへの記録をバックグラウンドで行います。失敗はログのみです。
func (p *Poller) record(rec cache.Record) {
	if p.opts.Recorder == nil || rec.VideoID == "" {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.RecordTimeout)
		defer cancel()
		if err := p.opts.Recorder.Record(ctx, rec); err != nil {
			p.logger.Warn("poller: cache record failed",
				slog.String("video_id", rec.VideoID),
				slog.String("type", string(rec.Type)),
				slog.Any("error", err),
			)
		}
	}()
}

func recordFor(result *Result) *cache.Record {
	if result == nil || result.VideoID == "" {
		return nil
	}
	rec := &cache.Record{
		VideoID:    result.VideoID,
		VideoTitle: result.VideoTitle,
		Type:       result.Kind.requestType(),
	}
	switch result.Kind {
	case KindInfo:
		rec.Result = result.Info
	case KindTranscript:
		rec.Result = result.Transcript
	}
	return rec
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
