package dictation

import "testing"

func TestValueSetNotifiesOnChange(t *testing.T) {
	v := NewValue(0)
	ch, cancel := v.Subscribe(4)
	defer cancel()

	if v.Set(0) {
		t.Fatal("setting the same value reported a change")
	}
	v.Set(1)
	v.Set(2)
	if got := <-ch; got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := <-ch; got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	v := NewValue("")
	ch, cancel := v.Subscribe(1)
	defer cancel()
	for _, s := range []string{"a", "ab", "abc"} {
		v.Set(s)
	}
	if got := <-ch; got != "abc" {
		t.Fatalf("expected latest value, got %q", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	v := NewValue(false)
	ch, cancel := v.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	v.Set(true)
}
