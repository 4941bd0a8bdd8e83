package deid

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PreservesOrderAndNumbers(t *testing.T) {
	in := `{"z":1,"a":[true,null,"x"],"big":12345678901234567890,"f":1.50}`
	v, err := Parse([]byte(in))
	require.NoError(t, err)

	require.Equal(t, KindObject, v.Kind())
	keys := []string{}
	for _, m := range v.Members() {
		keys = append(keys, m.Key)
	}
	assert.Equal(t, []string{"z", "a", "big", "f"}, keys)

	out, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, in, string(out))
}

func TestParse_Scalars(t *testing.T) {
	cases := map[string]Kind{
		`null`:   KindNull,
		`true`:   KindBool,
		`-0.5e3`: KindNumber,
		`"hi"`:   KindString,
		`[]`:     KindArray,
		`{}`:     KindObject,
	}
	for in, kind := range cases {
		v, err := Parse([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, kind, v.Kind(), in)
	}
}

func TestParse_RejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestParse_RejectsMalformed(t *testing.T) {
	for _, in := range []string{``, `{`, `{"a":}`, `[1,]`, `{1:2}`} {
		_, err := Parse([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestParse_DepthGuard(t *testing.T) {
	ok := strings.Repeat("[", MaxDepth) + strings.Repeat("]", MaxDepth)
	_, err := Parse([]byte(ok))
	require.NoError(t, err)

	deep := strings.Repeat("[", MaxDepth+1) + strings.Repeat("]", MaxDepth+1)
	_, err = Parse([]byte(deep))
	assert.True(t, errors.Is(err, ErrTooDeep), "got %v", err)
}

func TestEqual(t *testing.T) {
	a, _ := Parse([]byte(`{"a":[1,"x",{"b":null}]}`))
	b, _ := Parse([]byte(`{"a":[1,"x",{"b":null}]}`))
	c, _ := Parse([]byte(`{"a":[1,"x",{"b":false}]}`))
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}

func TestValue_UnmarshalJSON(t *testing.T) {
	var v Value
	require.NoError(t, v.UnmarshalJSON([]byte(`{"k":"v"}`)))
	got, ok := v.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got.Text())
}
