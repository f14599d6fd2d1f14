package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freshfare/freshfare-pos/internal/app"
	_ "github.com/freshfare/freshfare-pos/testing"
)

func TestMainReturnsInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
