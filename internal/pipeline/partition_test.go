package pipeline

import "testing"

func TestPartitionLocksTryLockExcludesConcurrentHolder(t *testing.T) {
	locks := newPartitionLocks()

	unlock, ok := locks.tryLock("a")
	if !ok {
		t.Fatal("expected first tryLock to succeed")
	}
	if _, ok := locks.tryLock("a"); ok {
		t.Fatal("expected second tryLock on held key to fail")
	}
	unlock()
	if unlock2, ok := locks.tryLock("a"); !ok {
		t.Fatal("expected tryLock to succeed after unlock")
	} else {
		unlock2()
	}
}

func TestPartitionLocksDistinctKeysDoNotContend(t *testing.T) {
	locks := newPartitionLocks()

	unlockA, ok := locks.tryLock("a")
	if !ok {
		t.Fatal("expected tryLock(a) to succeed")
	}
	defer unlockA()

	unlockB, ok := locks.tryLock("b")
	if !ok {
		t.Fatal("expected tryLock(b) to succeed while a is held")
	}
	unlockB()
}
