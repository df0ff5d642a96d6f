//go:build v8

package jsbridge

import (
	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/internal/v8engine"
)

var newEngine core.EngineFactory = v8engine.New
