// Package id generates identifiers for codes, macros and jobs.
package id

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator can generate IDs.
type Generator interface {
	// Generate an ID
	Generate() string
}

var (
	generatorMutex sync.Mutex
	generator      Generator
)

// UseSequential makes all later IDs plain increasing numbers. Tests use it so
// that IDs in logs and traces are predictable.
func UseSequential() {
	generatorMutex.Lock()
	defer generatorMutex.Unlock()

	generator = &sequentialGenerator{}
}

// UseGlobal makes all later IDs globally unique xids. This is the default.
func UseGlobal() {
	generatorMutex.Lock()
	defer generatorMutex.Unlock()

	generator = globalGenerator{}
}

// Get returns the generator currently in use.
func Get() Generator {
	generatorMutex.Lock()
	defer generatorMutex.Unlock()

	if generator == nil {
		generator = globalGenerator{}
	}

	return generator
}

// New generates an ID with the current generator.
func New() string {
	return Get().Generate()
}

type sequentialGenerator struct {
	nextID uint64
}

func (g *sequentialGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)

	return strconv.FormatUint(idNumber, 10)
}

type globalGenerator struct{}

func (globalGenerator) Generate() string {
	return xid.New().String()
}
