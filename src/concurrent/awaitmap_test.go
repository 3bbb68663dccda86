package concurrent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGetRoundTrip(t *testing.T) {
	m := NewStringMap[int]()
	assert.True(t, m.Set("a", 1))
	v, wait := m.Get("a")
	assert.Nil(t, wait)
	assert.Equal(t, 1, v)
}

func TestSetIsMonotonic(t *testing.T) {
	m := NewStringMap[int]()
	assert.True(t, m.Set("a", 1))
	assert.False(t, m.Set("a", 2)) // second writer loses
	v, _ := m.Get("a")
	assert.Equal(t, 1, v)
}

func TestGetBeforeSetWakesWaiter(t *testing.T) {
	m := NewStringMap[string]()
	_, wait := m.Get("k")
	assert.NotNil(t, wait)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-wait
		v, w := m.Get("k")
		assert.Nil(t, w)
		assert.Equal(t, "done", v)
	}()
	m.Set("k", "done")
	wg.Wait()
}

func TestConcurrentWaitersAllWake(t *testing.T) {
	m := NewStringMap[int]()
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, wait := m.Get("shared")
			if wait != nil {
				<-wait
			}
		}()
	}
	m.Set("shared", 1)
	wg.Wait()
}

func TestValuesOmitsUnsetWaiters(t *testing.T) {
	m := NewStringMap[int]()
	m.Get("only-waited") // never set
	m.Set("set", 1)
	assert.ElementsMatch(t, []int{1}, m.Values())
	assert.Equal(t, 1, m.Len())
}
