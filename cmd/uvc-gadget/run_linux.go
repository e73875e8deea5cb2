package main

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	uvcgadget "github.com/yoshigion/uvc-gadget-upst"
	"github.com/yoshigion/uvc-gadget-upst/internal/config"
	"github.com/yoshigion/uvc-gadget-upst/pkg/configfs"
	"github.com/yoshigion/uvc-gadget-upst/pkg/events"
	"github.com/yoshigion/uvc-gadget-upst/pkg/source/testsrc"
	"github.com/yoshigion/uvc-gadget-upst/pkg/source/v4l2src"
)

type videoSource interface {
	uvcgadget.Source
	io.Closer
}

func openSource(cfg *config.Config, loop *events.Loop, log logrus.FieldLogger) (videoSource, error) {
	switch cfg.Source.Type {
	case config.SourceV4L2:
		return v4l2src.Open(cfg.Source.Device, loop, v4l2src.WithLogger(log))
	case config.SourceTest:
		return testsrc.New(testsrc.Config{
			Pattern: testsrc.Pattern(cfg.Source.Pattern),
			Image:   cfg.Source.Image,
			FPS:     cfg.Source.FPS,
		}, loop, testsrc.WithLogger(log))
	}
	return nil, errors.Errorf("unknown source type %q", cfg.Source.Type)
}

// runStream serves the configured function until ctx is done.
func runStream(ctx context.Context, o *options) (err error) {
	cfg, log := o.cfg, o.log

	fc, err := configfs.Parse(afero.NewOsFs(), cfg.Configfs.Root, cfg.Sysfs.Root, cfg.Function)
	if err != nil {
		return errors.Wrap(err, "read gadget configuration")
	}
	log.WithFields(logrus.Fields{
		"function": fc.Name,
		"udc":      fc.UDC,
		"device":   fc.VideoNode,
	}).Info("found uvc function")

	loop, err := events.New()
	if err != nil {
		return errors.Wrap(err, "create event loop")
	}
	defer func() { err = multierr.Append(err, loop.Close()) }()

	stream, err := uvcgadget.NewStream(fc.VideoNode,
		uvcgadget.WithBuffers(cfg.Stream.Buffers),
		uvcgadget.WithLogger(log),
	)
	if err != nil {
		return err
	}
	if err := stream.SetEventNotifier(loop); err != nil {
		return multierr.Append(err, stream.Close())
	}

	src, err := openSource(cfg, loop, log.WithField("source", cfg.Source.Type))
	if err != nil {
		return multierr.Append(errors.Wrap(err, "open source"), stream.Close())
	}
	// the stream must release the source buffers before the source closes
	defer func() {
		err = multierr.Combine(err, stream.Close(), src.Close())
	}()

	if err := stream.SetVideoSource(src); err != nil {
		return err
	}
	if err := stream.InitUVC(fc); err != nil {
		return err
	}

	if !cfg.Monitor {
		return shutdown(loop.Run(ctx))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	m := newMonitor(fc, stream.Stats)
	out := log.Out
	log.SetOutput(m.logView)
	defer log.SetOutput(out)
	go func() {
		done <- loop.Run(ctx)
		m.stop()
	}()
	err = m.run(ctx)
	cancel()
	return multierr.Append(err, shutdown(<-done))
}

// shutdown treats the end of the run context as a clean exit.
func shutdown(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
