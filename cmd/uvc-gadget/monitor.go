package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	uvcgadget "github.com/yoshigion/uvc-gadget-upst"
	"github.com/yoshigion/uvc-gadget-upst/pkg/configfs"
)

const monitorInterval = time.Second

type monitor struct {
	app      *tview.Application
	root     tview.Primitive
	counters *tview.TextView
	logView  *tview.TextView
	snapshot func() uvcgadget.Stats
	last     uvcgadget.Stats
}

func newMonitor(fc *configfs.FunctionConfig, snapshot func() uvcgadget.Stats) *monitor {
	m := &monitor{app: tview.NewApplication(), snapshot: snapshot}

	formats := tview.NewList().ShowSecondaryText(true)
	formats.SetBorder(true).SetTitle(fmt.Sprintf("%s (%s)", fc.Name, fc.UDC))
	for _, f := range fc.Streaming.Formats {
		for _, fr := range f.Frames {
			formats.AddItem(
				fmt.Sprintf("%d.%d %s %dx%d", f.Index, fr.Index, f.FourCC, fr.Width, fr.Height),
				intervalsText(fr.Intervals), 0, nil)
		}
	}

	m.counters = tview.NewTextView().SetDynamicColors(true)
	m.counters.SetBorder(true).SetTitle("Stream")

	m.logView = tview.NewTextView().SetMaxLines(100)
	m.logView.SetBorder(true).SetTitle("Log")
	m.logView.SetChangedFunc(func() { m.app.Draw() })

	top := tview.NewFlex().
		AddItem(formats, 0, 1, true).
		AddItem(m.counters, 0, 1, false)
	m.root = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(top, 0, 1, true).
		AddItem(m.logView, 10, 0, false)

	m.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Rune() == 'q' {
			m.app.Stop()
			return nil
		}
		return ev
	})
	return m
}

// run shows the monitor until the user quits or ctx is done.
func (m *monitor) run(ctx context.Context) error {
	go func() {
		t := time.NewTicker(monitorInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				m.app.Stop()
				return
			case <-t.C:
				m.app.QueueUpdateDraw(m.refresh)
			}
		}
	}()
	m.refresh()
	return m.app.SetRoot(m.root, true).Run()
}

func (m *monitor) stop() { m.app.Stop() }

func (m *monitor) refresh() {
	st := m.snapshot()
	m.counters.SetText(statsText(st, m.last, monitorInterval))
	m.last = st
}

func statsText(st, prev uvcgadget.Stats, elapsed time.Duration) string {
	var b strings.Builder
	state := "[red]" + st.State.String()
	if st.State == uvcgadget.StateRunning {
		state = "[green]" + st.State.String()
	}
	fmt.Fprintf(&b, "state     %s[-]\n", state)
	if st.Format.Width != 0 {
		fmt.Fprintf(&b, "format    %s\n", st.Format)
	} else {
		b.WriteString("format    none\n")
	}
	rate := float64(st.Dequeued-prev.Dequeued) / elapsed.Seconds()
	fmt.Fprintf(&b, "fps       %.1f\n\n", rate)
	fmt.Fprintf(&b, "produced  %d\n", st.Produced)
	fmt.Fprintf(&b, "queued    %d\n", st.Queued)
	fmt.Fprintf(&b, "sent      %d\n", st.Dequeued)
	fmt.Fprintf(&b, "returned  %d\n", st.Returned)
	fmt.Fprintf(&b, "dropped   %d\n", st.Dropped)
	fmt.Fprintf(&b, "errors    %d\n", st.Errors)
	return b.String()
}

// intervalsText lists frame intervals, given in 100ns units, as rates.
func intervalsText(intervals []uint32) string {
	rates := make([]string, 0, len(intervals))
	for _, ival := range intervals {
		if ival == 0 {
			continue
		}
		rates = append(rates, fmt.Sprintf("%.4g", 1e7/float64(ival)))
	}
	if len(rates) == 0 {
		return "no intervals"
	}
	return strings.Join(rates, " ") + " fps"
}
