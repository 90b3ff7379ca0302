package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kensa"
)

func TestVersionCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run0([]string{"version"}, &out, &errOut)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "dev\n", out.String())
}

func TestVerifyRejectsBadLevel(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run0([]string{"verify", "PRD-1", "--level", "7"}, &out, &errOut)
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut.String(), "--level")
	assert.Empty(t, out.String())
}

func TestVerifyNeedsWorkItem(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run0([]string{"verify"}, &out, &errOut)
	assert.Equal(t, exitError, code)
}

func TestVerdictExitCode(t *testing.T) {
	cases := map[kensa.Verdict]int{
		kensa.VerdictPass:            exitOK,
		kensa.VerdictConditionalPass: exitConditional,
		kensa.VerdictFail:            exitFail,
		kensa.VerdictEscalate:        exitEscalate,
		"":                           exitError,
	}
	for v, want := range cases {
		assert.Equal(t, want, verdictExitCode(v), string(v))
	}
}
