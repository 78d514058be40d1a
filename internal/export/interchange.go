package export

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/media"
)

// WriteCMX3600 writes the timeline as a CMX 3600 edit decision list so it can
// be conformed in another editor. Clips whose source is unknown are skipped.
func WriteCMX3600(w io.Writer, title string, clips []edl.Clip, sources []media.Source, frameRate float64) error {
	byID := make(map[string]media.Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}

	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = int(FallbackFPS)
	}
	fcm := "NON-DROP FRAME"
	if isDropFrameRate(frameRate) {
		fcm = "DROP FRAME"
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "TITLE: %s\n", SanitizeName(title, 70))
	fmt.Fprintf(bw, "FCM: %s\n\n", fcm)

	event := 0
	record := 0.0
	for _, c := range clips {
		src, ok := byID[c.SourceID]
		if !ok {
			continue
		}
		event++
		recOut := record + c.Duration()
		fmt.Fprintf(bw, "%03d  %-8s %-5s C        %s %s %s %s\n",
			event, reelName(event), "AV",
			timecode(c.SourceIn, fps), timecode(c.SourceOut, fps),
			timecode(record, fps), timecode(recOut, fps),
		)
		fmt.Fprintf(bw, "* FROM CLIP NAME:  %s\n", src.Name)
		if src.Path != "" {
			fmt.Fprintf(bw, "* SOURCE FILE:  %s\n", src.Path)
		}
		fmt.Fprintln(bw)
		record = recOut
	}
	return bw.Flush()
}

func isDropFrameRate(rate float64) bool {
	return math.Abs(rate-29.97) < 0.01 || math.Abs(rate-59.94) < 0.01
}

// reelName gives every event its own reel; sources are identified by the
// clip name comment.
func reelName(event int) string {
	return fmt.Sprintf("AX%03d", event)
}

// timecode renders seconds as HH:MM:SS:FF at a whole-number frame rate.
func timecode(seconds float64, fps int) string {
	total := int(math.Round(seconds * float64(fps)))
	if total < 0 {
		total = 0
	}
	frames := total % fps
	secs := total / fps
	return fmt.Sprintf("%02d:%02d:%02d:%02d", secs/3600, secs/60%60, secs%60, frames)
}
