package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/fetchq/fetchq/internal/domain"
)

// progressFuncInterval is how often yt-dlp reports progress to us. The
// worker pool does its own coalescing before events reach the bus.
const progressFuncInterval = 250 * time.Millisecond

// Markers in yt-dlp output that indicate retrying is pointless.
var permanentMarkers = []string{
	"unsupported url",
	"is not a valid url",
	"video unavailable",
	"private video",
	"this video is not available",
	"account has been terminated",
	"http error 404",
	"http error 403",
	"http error 410",
	"sign in to confirm",
}

// YtdlpBackend fetches media through yt-dlp. Partial downloads are
// continued, not restarted, so a cancelled job can resume where it
// stopped.
type YtdlpBackend struct{}

// NewYtdlpBackend creates the yt-dlp backend.
func NewYtdlpBackend() *YtdlpBackend {
	return &YtdlpBackend{}
}

func (b *YtdlpBackend) Name() string { return "ytdlp" }

// Fetch downloads the job's URL into its destination. The job's opaque
// options string is passed through as a yt-dlp format expression.
func (b *YtdlpBackend) Fetch(ctx context.Context, job *domain.Job, progress func(float64)) domain.Outcome {
	if err := os.MkdirAll(job.Destination, 0755); err != nil {
		return domain.Outcome{Code: domain.OutcomePermanent, Reason: "create destination: " + err.Error()}
	}

	dl := ytdlp.New().
		Continue().
		RestrictFilenames().
		Output(filepath.Join(job.Destination, "%(title)s.%(ext)s"))

	if job.Options != "" {
		dl = dl.Format(job.Options)
	}

	// Fractions handed to the pool must never go backwards even if
	// yt-dlp switches between formats mid-download.
	var last float64
	dl.ProgressFunc(progressFuncInterval, func(update ytdlp.ProgressUpdate) {
		if update.TotalBytes <= 0 {
			return
		}
		frac := float64(update.DownloadedBytes) / float64(update.TotalBytes)
		if frac > 1 {
			frac = 1
		}
		if frac > last {
			last = frac
			progress(frac)
		}
	})

	result, err := dl.Run(ctx, job.URL)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Outcome{Code: domain.OutcomeCancelled, Reason: ctx.Err().Error()}
		}
		reason := err.Error()
		lower := strings.ToLower(reason)
		for _, marker := range permanentMarkers {
			if strings.Contains(lower, marker) {
				return domain.Outcome{Code: domain.OutcomePermanent, Reason: reason}
			}
		}
		return domain.Outcome{Code: domain.OutcomeRecoverable, Reason: reason}
	}

	progress(1)
	outcome := domain.Outcome{Code: domain.OutcomeSuccess, OutputPath: job.Destination}
	if result != nil {
		if info, err := result.GetExtractedInfo(); err == nil && len(info) > 0 && info[0].Filename != nil {
			outcome.OutputPath = *info[0].Filename
		}
	}
	return outcome
}
