// Package subs is a thin subtitle model over go-astisub plus the
// per-language translation length/script policy.
package subs

import (
	"time"

	astisub "github.com/asticode/go-astisub"

	"github.com/dubforge/dubforge/internal/xerrors"
)

// Cue is one subtitle line with its timing, independent of astisub's
// richer Item/Line/LineItem tree; the rest of the pipeline only ever
// needs text and a time span.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// Subtitles embeds an astisub.Subtitles so its own
// Write/Duration/etc. methods stay promoted.
type Subtitles struct {
	*astisub.Subtitles
}

// Open reads a subtitle file (.srt/.ass/.vtt, whatever astisub
// supports) and flattens it into timing-ordered Cues.
func Open(path string) (*Subtitles, []Cue, error) {
	raw, err := astisub.OpenFile(path)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.InvalidSubtitle, err, "parsing subtitle file").WithPath(path)
	}
	s := &Subtitles{raw}
	return s, s.cues(), nil
}

func (s *Subtitles) cues() []Cue {
	cues := make([]Cue, 0, len(s.Items))
	for i, item := range s.Items {
		cues = append(cues, Cue{
			Index: i,
			Start: item.StartAt,
			End:   item.EndAt,
			Text:  joinLines(item),
		})
	}
	return cues
}

func joinLines(item *astisub.Item) string {
	var text string
	for i, line := range item.Lines {
		if i > 0 {
			text += "\n"
		}
		text += line.String()
	}
	return text
}

// WriteSRT writes cues back out as an SRT file, replacing the text of
// each corresponding astisub item in place and delegating persistence
// to astisub.
func WriteSRT(s *Subtitles, cues []Cue, path string) error {
	for _, c := range cues {
		if c.Index < 0 || c.Index >= len(s.Items) {
			continue
		}
		item := s.Items[c.Index]
		if len(item.Lines) == 0 {
			item.Lines = []astisub.Line{{}}
		}
		item.Lines = item.Lines[:1]
		item.Lines[0].Items = []astisub.LineItem{{Text: c.Text}}
		item.StartAt = c.Start
		item.EndAt = c.End
	}
	if err := s.Write(path); err != nil {
		return xerrors.Wrap(xerrors.StateWriteFailed, err, "writing translated subtitle").WithPath(path)
	}
	return nil
}
