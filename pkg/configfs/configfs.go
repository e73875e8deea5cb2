// Package configfs reads the configuration of a UVC gadget function from
// configfs and locates the video node the kernel created for it.
package configfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/yoshigion/uvc-gadget-upst/pkg/formats"
	"github.com/yoshigion/uvc-gadget-upst/pkg/video"
)

const (
	DefaultConfigfsRoot = "/sys/kernel/config"
	DefaultSysfsRoot    = "/sys"
)

var (
	ErrNotFound = errors.New("uvc function not found")
	ErrNotBound = errors.New("gadget not bound to a UDC")
)

// FunctionConfig is the parsed configuration of one UVC function.
type FunctionConfig struct {
	Name      string
	Path      string
	UDC       string
	VideoNode string
	Control   ControlConfig
	Streaming StreamingConfig
}

type ControlConfig struct {
	Interface uint8
}

type StreamingConfig struct {
	Interface uint8
	// Endpoint parameters; MaxPacket is the wMaxPacketSize of the streaming
	// endpoint and MaxBurst is only meaningful at SuperSpeed.
	MaxPacket uint32
	MaxBurst  uint32
	Interval  uint32
	// Header is the name of the streaming header linked for full speed,
	// empty when the filesystem cannot resolve links.
	Header  string
	Formats []Format
}

type Format struct {
	Index  uint8
	Name   string
	FourCC video.FourCC
	GUID   formats.CompressionFormat
	Frames []Frame
}

type Frame struct {
	Index                   uint8
	Width                   uint16
	Height                  uint16
	MaxVideoFrameBufferSize uint32
	// Frame intervals in 100ns units.
	DefaultInterval uint32
	Intervals       []uint32
}

// VideoFormat returns the stream format described by frame of format.
func (f *Format) VideoFormat(frame *Frame) video.Format {
	return video.Format{FourCC: f.FourCC, Width: uint32(frame.Width), Height: uint32(frame.Height)}
}

// Parse reads the UVC function named function. An empty name selects the
// first uvc.* function of any gadget.
func Parse(fs afero.Fs, configfsRoot, sysfsRoot, function string) (*FunctionConfig, error) {
	if function == "" {
		function = "uvc.*"
	}
	matches, err := afero.Glob(fs, path.Join(configfsRoot, "usb_gadget", "*", "functions", function))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", function, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%s in %s: %w", function, configfsRoot, ErrNotFound)
	}
	sort.Strings(matches)

	fnPath := matches[0]
	fc := &FunctionConfig{Name: path.Base(fnPath), Path: fnPath}
	r := reader{fs: fs}

	fc.Control.Interface = uint8(r.uint(path.Join(fnPath, "control", "bInterfaceNumber"), 8))
	fc.Streaming.Interface = uint8(r.uint(path.Join(fnPath, "streaming", "bInterfaceNumber"), 8))
	fc.Streaming.MaxPacket = uint32(r.uint(path.Join(fnPath, "streaming_maxpacket"), 32))
	fc.Streaming.MaxBurst = uint32(r.uint(path.Join(fnPath, "streaming_maxburst"), 32))
	fc.Streaming.Interval = uint32(r.uint(path.Join(fnPath, "streaming_interval"), 32))
	if r.err != nil {
		return nil, r.err
	}

	if lr, ok := fs.(afero.LinkReader); ok {
		if target, err := lr.ReadlinkIfPossible(path.Join(fnPath, "streaming", "class", "fs", "h")); err == nil {
			fc.Streaming.Header = path.Base(target)
		}
	}

	fc.Streaming.Formats, err = parseFormats(fs, path.Join(fnPath, "streaming"))
	if err != nil {
		return nil, err
	}

	gadget := path.Dir(path.Dir(fnPath))
	fc.UDC, err = readString(fs, path.Join(gadget, "UDC"))
	if err != nil {
		return nil, fmt.Errorf("read UDC: %w", err)
	}
	if fc.UDC == "" {
		return nil, fmt.Errorf("%s: %w", gadget, ErrNotBound)
	}
	fc.VideoNode, err = findVideoNode(fs, sysfsRoot, fc.UDC, fc.Name)
	if err != nil {
		return nil, err
	}
	return fc, nil
}

func parseFormats(fs afero.Fs, streaming string) ([]Format, error) {
	var out []Format
	for _, kind := range []string{"uncompressed", "mjpeg"} {
		dirs, err := subdirs(fs, path.Join(streaming, kind))
		if err != nil {
			return nil, err
		}
		for _, dir := range dirs {
			f, err := parseFormat(fs, kind, dir)
			if err != nil {
				return nil, err
			}
			// Formats not linked into a streaming header have no index and
			// are never offered to the host.
			if f.Index == 0 {
				continue
			}
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func parseFormat(fs afero.Fs, kind, dir string) (*Format, error) {
	r := reader{fs: fs}
	f := &Format{Name: path.Base(dir)}
	f.Index = uint8(r.uint(path.Join(dir, "bFormatIndex"), 8))
	if r.err != nil {
		return nil, r.err
	}

	switch kind {
	case "mjpeg":
		f.FourCC = video.PixelFormatMJPEG
	case "uncompressed":
		raw, err := afero.ReadFile(fs, path.Join(dir, "guidFormat"))
		if err != nil {
			return nil, fmt.Errorf("read guidFormat: %w", err)
		}
		if len(raw) > 16 {
			raw = raw[:16]
		}
		if f.GUID, err = formats.FromGUIDBytes(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		fourcc, ok := f.GUID.FourCC()
		if !ok {
			return nil, fmt.Errorf("%s: unsupported format guid %s", dir, f.GUID)
		}
		f.FourCC = fourcc
	}

	frames, err := subdirs(fs, dir)
	if err != nil {
		return nil, err
	}
	for _, fd := range frames {
		frame, err := parseFrame(fs, fd)
		if err != nil {
			return nil, err
		}
		f.Frames = append(f.Frames, *frame)
	}
	sort.Slice(f.Frames, func(i, j int) bool { return f.Frames[i].Index < f.Frames[j].Index })
	return f, nil
}

func parseFrame(fs afero.Fs, dir string) (*Frame, error) {
	r := reader{fs: fs}
	frame := &Frame{
		Index:                   uint8(r.uint(path.Join(dir, "bFrameIndex"), 8)),
		Width:                   uint16(r.uint(path.Join(dir, "wWidth"), 16)),
		Height:                  uint16(r.uint(path.Join(dir, "wHeight"), 16)),
		MaxVideoFrameBufferSize: uint32(r.uint(path.Join(dir, "dwMaxVideoFrameBufferSize"), 32)),
		DefaultInterval:         uint32(r.uint(path.Join(dir, "dwDefaultFrameInterval"), 32)),
	}
	if r.err != nil {
		return nil, r.err
	}

	s, err := readString(fs, path.Join(dir, "dwFrameInterval"))
	if err != nil {
		return nil, fmt.Errorf("read dwFrameInterval: %w", err)
	}
	for _, field := range strings.Fields(s) {
		v, err := strconv.ParseUint(field, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("%s/dwFrameInterval: %w", dir, err)
		}
		frame.Intervals = append(frame.Intervals, uint32(v))
	}
	sort.Slice(frame.Intervals, func(i, j int) bool { return frame.Intervals[i] < frame.Intervals[j] })
	return frame, nil
}

// findVideoNode returns the /dev path of the video node the UDC exposes for
// function.
func findVideoNode(fs afero.Fs, sysfsRoot, udc, function string) (string, error) {
	pattern := path.Join(sysfsRoot, "class", "udc", udc, "device", "gadget*", "video4linux", "video*")
	matches, err := afero.Glob(fs, pattern)
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	for _, m := range matches {
		// Kernels that support several UVC functions per gadget name the
		// function each node belongs to.
		name, err := readString(fs, path.Join(m, "function_name"))
		if err == nil && name != function {
			continue
		}
		return path.Join("/dev", path.Base(m)), nil
	}
	return "", fmt.Errorf("video node for %s on %s: %w", function, udc, ErrNotFound)
}

func subdirs(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, path.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func readString(fs afero.Fs, name string) (string, error) {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// reader parses a run of numeric attributes, keeping the first error.
type reader struct {
	fs  afero.Fs
	err error
}

func (r *reader) uint(name string, bitSize int) uint64 {
	if r.err != nil {
		return 0
	}
	s, err := readString(r.fs, name)
	if err != nil {
		r.err = fmt.Errorf("read %s: %w", name, err)
		return 0
	}
	v, err := strconv.ParseUint(s, 0, bitSize)
	if err != nil {
		r.err = fmt.Errorf("parse %s: %w", name, err)
		return 0
	}
	return v
}
