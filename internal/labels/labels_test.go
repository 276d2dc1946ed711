package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalSortsKeys(t *testing.T) {
	a := Canonical(map[string]string{"b": "2", "a": "1", "c": "3"})
	b := Canonical(map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":"1","b":"2","c":"3"}`, a)
}

func TestCanonicalEmpty(t *testing.T) {
	assert.Equal(t, "", Canonical(nil))
	assert.Equal(t, "", Canonical(map[string]string{}))
	assert.Equal(t, Hash(""), Hash(Canonical(nil)))
}

func TestCanonicalEscapesValues(t *testing.T) {
	c := Canonical(map[string]string{"sensor": `CPU "Temp"`})
	parsed, err := Parse(c)
	assert.NoError(t, err)
	assert.Equal(t, `CPU "Temp"`, parsed["sensor"])
}

func TestParseRoundtrip(t *testing.T) {
	in := map[string]string{"mountpoint": "/", "device": "/dev/nvme0n1"}
	out, err := Parse(Canonical(in))
	assert.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := Parse("")
	assert.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHashDiffers(t *testing.T) {
	h1 := Hash(Canonical(map[string]string{"sensor": "CPU Temp"}))
	h2 := Hash(Canonical(map[string]string{"sensor": "VRM Temp"}))
	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestFilterMatches(t *testing.T) {
	set := map[string]string{"sensor": "CPU Temp", "zone": "0"}

	// Empty filter matches everything, including empty sets.
	assert.True(t, Filter(nil).Matches(set))
	assert.True(t, Filter(nil).Matches(map[string]string{}))
	assert.True(t, Filter{{}}.Matches(map[string]string{}))

	// Conjunction within one element.
	assert.True(t, Filter{{"sensor": "CPU Temp", "zone": "0"}}.Matches(set))
	assert.False(t, Filter{{"sensor": "CPU Temp", "zone": "1"}}.Matches(set))

	// Disjunction across elements.
	f := Filter{{"sensor": "VRM Temp"}, {"sensor": "CPU Temp"}}
	assert.True(t, f.Matches(set))
	assert.False(t, f.Matches(map[string]string{"sensor": "Other"}))

	// Unmentioned keys are wildcarded.
	assert.True(t, Filter{{"sensor": "CPU Temp"}}.Matches(set))
}
