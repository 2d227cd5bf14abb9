package upstream

import "github.com/canislupaster/arugobot-improved-sub003/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
