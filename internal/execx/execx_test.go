package execx

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestToolError(t *testing.T) {
	r := NewFake().On(Response{Exit: 1, Stderr: "fio: io_u error\n"}, "fio")
	_, _, err := r.Run(context.Background(), "fio", "--name=seq", "--filename=/dev/nvme0n1")
	require.Error(t, err)

	wrapped := errors.Wrap(err, "measuring")
	require.True(t, IsToolError(wrapped))
	var te *ToolError
	require.True(t, errors.As(wrapped, &te))
	require.Equal(t, "fio --name=seq --filename=/dev/nvme0n1", te.Command())
	require.Equal(t, "fio exited with code 1: fio: io_u error", te.Error())

	start := &ToolError{Tool: "hdparm", ExitCode: -1, Err: errors.New("executable file not found")}
	require.Equal(t, "hdparm failed: executable file not found", start.Error())
	require.False(t, IsToolError(errors.New("plain")))
}

func TestLookPath(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	require.Empty(t, LookPath("fio"))
}
