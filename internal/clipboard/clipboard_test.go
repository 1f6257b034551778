package clipboard

import (
	"errors"
	"testing"

	"github.com/atotto/clipboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubWriter(t *testing.T, err error) *[]string {
	t.Helper()
	var got []string
	orig := writeAll
	writeAll = func(s string) error {
		got = append(got, s)
		return err
	}
	t.Cleanup(func() { writeAll = orig })
	return &got
}

func TestSetWritesText(t *testing.T) {
	if clipboard.Unsupported {
		t.Skip("no clipboard utility on this host")
	}
	got := stubWriter(t, nil)

	require.NoError(t, New().Set(Payload{Type: "text/plain", Data: "hello"}))
	require.NoError(t, New().Set(Payload{Data: "untyped"}))
	assert.Equal(t, []string{"hello", "untyped"}, *got)
}

func TestSetRejectsBinaryTypes(t *testing.T) {
	got := stubWriter(t, nil)

	err := New().Set(Payload{Type: "image/png", Data: "xx"})
	assert.Error(t, err)
	assert.Empty(t, *got)
}

func TestSetPropagatesWriteError(t *testing.T) {
	if clipboard.Unsupported {
		t.Skip("no clipboard utility on this host")
	}
	stubWriter(t, errors.New("exit status 1"))

	err := New().Set(Payload{Type: "text/html", Data: "<b>x</b>"})
	assert.Error(t, err)
}
