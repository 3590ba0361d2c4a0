// Package rqtest mirrors the teacher's pkg/test: a thin testify/suite base
// (Suite, with a Ctx) plus, specific to this module, a fully in-memory
// ClientFactory that fakes the three abstract storage capabilities
// (pkg/reliableq/resource) so the module's tests never need a live Azure
// account.
package rqtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

// Suite wraps testify's suite with a background context, matching the
// teacher's pkg/test.Suite.
type Suite struct {
	suite.Suite
	Ctx context.Context
}

func (s *Suite) SetupTest() {
	s.Ctx = context.Background()
}

func NewSuite() *Suite { return &Suite{} }

// Run runs a suite from a standard Test* function.
func Run(t *testing.T, s suite.TestingSuite) {
	suite.Run(t, s)
}
