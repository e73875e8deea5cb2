//go:build !linux

package main

import (
	"context"

	"github.com/pkg/errors"
)

func runStream(ctx context.Context, o *options) error {
	return errors.New("streaming requires the Linux UVC gadget driver")
}
