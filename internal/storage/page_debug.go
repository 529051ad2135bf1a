package storage

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
)

const debugPreview = 24

func (s Slot) stateName() string {
	switch s.State {
	case slotLive:
		return "live"
	case slotDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", s.State)
	}
}

// changedBytes counts bytes that differ from the before-image.
func (p *Page) changedBytes() int {
	n := 0
	for i := range p.Buf {
		if i >= len(p.before) || p.Buf[i] != p.before[i] {
			n++
		}
	}
	return n
}

// Debug writes the header, the cache state and one row per slot.
func (p *Page) Debug(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "page %s (stamped %d), %d bytes\n", p.id, p.PageNo(), len(p.Buf))
	fmt.Fprintf(tw, "lower=%d upper=%d free=%d reclaimable=%d slots=%d live=%d\n",
		p.lower(), p.upper(), p.FreeSpace(), p.reclaimable(), p.NumSlots(), p.LiveTuples())
	if tid, dirty := p.IsDirty(); dirty {
		fmt.Fprintf(tw, "dirty by %s, %d bytes differ from before-image\n", tid, p.changedBytes())
	} else {
		fmt.Fprintln(tw, "clean")
	}

	fmt.Fprintln(tw, "\nSLOT\tSTATE\tOFF\tLEN\tDATA")
	for i := 0; i < p.NumSlots(); i++ {
		s, err := p.getSlot(i)
		if err != nil {
			fmt.Fprintf(tw, "%d\t<%v>\t\t\t\n", i, err)
			continue
		}
		preview := ""
		if s.State == slotLive {
			data := p.Buf[s.Offset : int(s.Offset)+int(s.Length)]
			if len(data) > debugPreview {
				data = data[:debugPreview]
			}
			preview = strconv.QuoteToASCII(string(data))
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", i, s.stateName(), s.Offset, s.Length, preview)
	}
	return tw.Flush()
}

func (p *Page) DebugString() string {
	var b bytes.Buffer
	if err := p.Debug(&b); err != nil {
		fmt.Fprintf(&b, "\n<debug: %v>\n", err)
	}
	return b.String()
}
