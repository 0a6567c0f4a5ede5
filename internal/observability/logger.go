package observability

import (
	"go.uber.org/zap"
)

// Logger is the sugared zap logger, used through its `Levelw(msg, kv...)`
// functions.
type Logger = zap.SugaredLogger

// NewLogger builds the process logger tagged with component. Level "debug"
// selects the development configuration.
func NewLogger(component, level string) (*Logger, error) {
	var (
		lg  *zap.Logger
		err error
	)
	if level == "debug" {
		lg, err = zap.NewDevelopment()
	} else {
		lg, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return lg.Sugar().With("component", component), nil
}

func NewNop() *Logger {
	return zap.NewNop().Sugar()
}
