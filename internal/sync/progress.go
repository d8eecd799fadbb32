package sync

import (
	"log"

	"github.com/mirrorops/ghmirror/internal/store"
)

// Progress receives run events. The engine itself never prints; whoever
// drives it (the CLI) decides how events surface.
type Progress interface {
	PageFetched(kind string, page, count int)
	PageFiltered(kind string, page, dropped, remaining int)
	PageSkipped(kind string, page int)
	ItemStored(number int, result store.Result, comments, crossRefs int)
	ItemSkipped(number int, err error)
	RunFinished(sum Summary)
}

// LogProgress reports run events through a standard logger.
type LogProgress struct {
	Logger *log.Logger
}

// NewLogProgress creates a reporter on l, or the default logger when nil.
func NewLogProgress(l *log.Logger) *LogProgress {
	if l == nil {
		l = log.Default()
	}
	return &LogProgress{Logger: l}
}

func (p *LogProgress) PageFetched(kind string, page, count int) {
	p.Logger.Printf("fetched %s page %d: %d items", kind, page, count)
}

func (p *LogProgress) PageFiltered(kind string, page, dropped, remaining int) {
	p.Logger.Printf("%s page %d: filtered out %d existing items (%d new)", kind, page, dropped, remaining)
}

func (p *LogProgress) PageSkipped(kind string, page int) {
	p.Logger.Printf("skipping %s page %d: already covered", kind, page)
}

func (p *LogProgress) ItemStored(number int, result store.Result, comments, crossRefs int) {
	p.Logger.Printf("item #%d: %d comments, %d cross-refs - %s", number, comments, crossRefs, result)
}

func (p *LogProgress) ItemSkipped(number int, err error) {
	p.Logger.Printf("item #%d skipped: %v", number, err)
}

func (p *LogProgress) RunFinished(sum Summary) {
	p.Logger.Printf("run finished: %d processed (%d created, %d updated, %d unchanged), %d skipped, %d comments, %d cross-refs",
		sum.Processed, sum.Created, sum.Updated, sum.Unchanged, sum.Skipped, sum.Comments, sum.CrossRefs)
}

type nopProgress struct{}

func (nopProgress) PageFetched(string, int, int)           {}
func (nopProgress) PageFiltered(string, int, int, int)     {}
func (nopProgress) PageSkipped(string, int)                {}
func (nopProgress) ItemStored(int, store.Result, int, int) {}
func (nopProgress) ItemSkipped(int, error)                 {}
func (nopProgress) RunFinished(Summary)                    {}
