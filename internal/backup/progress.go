package backup

import (
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
)

const spinnerFrames = `"⠋" "⠙" "⠹" "⠸" "⠼" "⠴" "⠦" "⠧" "⠇" "⠏"`

func transferTemplate(description string) string {
	return fmt.Sprintf(`{{ "%s" }} {{ bar . "[" "=" ">" " " "]"}} {{counters . }} {{speed . }} {{percent . }} {{rtime . " ETA"}}`, description)
}

func spinnerTemplate(description string) string {
	return fmt.Sprintf(`{{ "%s" }} {{ cycle . %s }} {{etime . }}`, description, spinnerFrames)
}

// ProgressReader wraps an io.Reader with a transfer bar
type ProgressReader struct {
	reader io.Reader
	bar    *pb.ProgressBar
}

// NewProgressReader creates a reader that reports progress to out
func NewProgressReader(r io.Reader, size int64, description string, out io.Writer) *ProgressReader {
	bar := pb.New64(size)
	bar.Set(pb.Bytes, true)
	bar.Set(pb.SIBytesPrefix, true)
	bar.SetTemplateString(transferTemplate(description))
	bar.SetRefreshRate(100 * time.Millisecond)
	bar.SetWriter(out)
	bar.Start()

	return &ProgressReader{
		reader: bar.NewProxyReader(r),
		bar:    bar,
	}
}

// Read implements io.Reader
func (pr *ProgressReader) Read(p []byte) (n int, err error) {
	return pr.reader.Read(p)
}

// Close finishes the progress bar
func (pr *ProgressReader) Close() error {
	pr.bar.Finish()
	return nil
}

// Spinner shows activity for operations without a known size.
// A nil *Spinner is valid and does nothing.
type Spinner struct {
	bar *pb.ProgressBar
}

// NewSpinner starts a spinner on out
func NewSpinner(description string, out io.Writer) *Spinner {
	bar := pb.New(0)
	bar.SetTemplateString(spinnerTemplate(description))
	bar.SetRefreshRate(100 * time.Millisecond)
	bar.SetWriter(out)
	bar.Start()
	return &Spinner{bar: bar}
}

// Update replaces the spinner description
func (s *Spinner) Update(description string) {
	if s == nil {
		return
	}
	s.bar.SetTemplateString(spinnerTemplate(description))
}

// Stop finishes the spinner
func (s *Spinner) Stop() {
	if s == nil {
		return
	}
	s.bar.Finish()
}
