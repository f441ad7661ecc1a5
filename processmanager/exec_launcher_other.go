//go:build !unix

package processmanager

import (
	"context"
	"errors"

	"github.com/goliatone/go-runcontrol/config"
	"github.com/goliatone/go-runcontrol/logging"
)

var errUnsupported = errors.New("the exec ssh launcher needs a unix host, use the native launcher")

type ExecLauncher struct{}

func NewExecLauncher(config.SSH, logging.Logger) *ExecLauncher { return &ExecLauncher{} }

func (*ExecLauncher) Launch(context.Context, Target) (Handle, error) { return nil, errUnsupported }

func (*ExecLauncher) Tail(context.Context, Target, string, int) ([]string, error) {
	return nil, errUnsupported
}
