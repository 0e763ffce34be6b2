package notifier

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestWatcher(t *testing.T) {
	c := qt.New(t)

	// Blocking on the channel forces the scheduler to let the other
	// goroutine run for a bit, so we get predictable results.
	ch := make(chan bool)

	var v Value[int]
	go func() {
		for i := range 3 {
			v.Set(i)
			ch <- true
		}
		v.Close()
	}()

	w := v.Watch()
	c.Assert(w.Next(), qt.IsTrue)
	c.Assert(w.Value(), qt.Equals, 0)
	<-ch

	c.Assert(w.Next(), qt.IsTrue)
	c.Assert(w.Value(), qt.Equals, 1)
	<-ch

	c.Assert(w.Next(), qt.IsTrue)
	c.Assert(w.Value(), qt.Equals, 2)
	<-ch

	c.Assert(w.Next(), qt.IsFalse)
}

func TestSkipsIntermediateValues(t *testing.T) {
	c := qt.New(t)
	ch := make(chan bool)

	var v Value[string]
	go func() {
		v.Set("a")
		ch <- true
		v.Set("b")
		v.Set("c")
		ch <- true
		v.Close()
		ch <- true
	}()

	w := v.Watch()
	c.Assert(w.Next(), qt.IsTrue)
	c.Assert(w.Value(), qt.Equals, "a")
	<-ch
	<-ch

	// Two sets happened before we looked again: only the last one is seen.
	c.Assert(w.Next(), qt.IsTrue)
	c.Assert(w.Value(), qt.Equals, "c")
	<-ch
	c.Assert(w.Next(), qt.IsFalse)
}

func TestUpdate(t *testing.T) {
	c := qt.New(t)

	var v Value[int]
	_, version := v.Get()
	c.Assert(version, qt.Equals, 0)

	v.Update(func(i int) int { return i + 2 })
	v.Update(func(i int) int { return i * 5 })

	got, version := v.Get()
	c.Assert(got, qt.Equals, 10)
	c.Assert(version, qt.Equals, 2)
}

func TestCloseWatcher(t *testing.T) {
	c := qt.New(t)
	ch := make(chan bool)

	var v Value[int]
	w := v.Watch()
	go func() {
		n := 0
		for w.Next() {
			c.Check(w.Value(), qt.Equals, 1)
			n++
			<-ch
		}
		// The value only gets set once before the watcher is closed.
		c.Check(n, qt.Equals, 1)
		<-ch
	}()

	v.Set(1)
	ch <- true
	w.Close()
	ch <- true

	// The value itself stays open.
	c.Assert(v.Closed(), qt.IsFalse)
}
