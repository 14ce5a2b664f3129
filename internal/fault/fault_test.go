package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := errors.New("write /dev/ttyACM0: i/o timeout")
	err := fmt.Errorf("motor left: %w", Actuation("set", base))

	require.Equal(t, KindActuation, KindOf(err))
	require.ErrorIs(t, err, base)
	require.False(t, Fatal(err))
	require.Contains(t, err.Error(), "actuation fault: set:")
}

func TestNilErrorStaysNil(t *testing.T) {
	require.NoError(t, Sensor("read", nil))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestInitIsFatal(t *testing.T) {
	require.True(t, Fatal(Init("open motor", errors.New("no such device"))))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "timing", KindTiming.String())
	require.Equal(t, "unknown", Kind(42).String())
}
