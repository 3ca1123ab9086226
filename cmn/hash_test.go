package cmn

import "testing"

func TestTopicHashDeterministic(t *testing.T) {
	e := EntityID{HostName: "host1", ProcessID: 42, Seq: 1}
	h1 := TopicHash(e, "topic_a")
	h2 := TopicHash(e, "topic_a")
	if h1 != h2 {
		t.Fatalf("TopicHash not deterministic: %d != %d", h1, h2)
	}
}

func TestTopicHashDistinguishesTopics(t *testing.T) {
	e := EntityID{HostName: "host1", ProcessID: 42, Seq: 1}
	if TopicHash(e, "a") == TopicHash(e, "b") {
		t.Fatal("TopicHash collided for distinct topic names")
	}
}

func TestTopicHashDistinguishesEntities(t *testing.T) {
	e1 := EntityID{HostName: "host1", ProcessID: 1, Seq: 1}
	e2 := EntityID{HostName: "host1", ProcessID: 2, Seq: 1}
	if TopicHash(e1, "same") == TopicHash(e2, "same") {
		t.Fatal("TopicHash collided for distinct entities")
	}
}

func TestSampleDigestStableUnderReapply(t *testing.T) {
	entity := EntityID{HostName: "h", ProcessID: 7, Seq: 3}
	s1 := &Sample{
		Kind:    KindPublisher,
		Command: CmdRegister,
		Publisher: &PublisherEntry{
			Topic: TopicID{Entity: entity, Name: "t"},
			Type:  DataTypeInformation{Name: "msg", Encoding: "proto"},
		},
	}
	s2 := &Sample{
		Kind:    KindPublisher,
		Command: CmdRegister,
		Publisher: &PublisherEntry{
			Topic: TopicID{Entity: entity, Name: "t"},
			Type:  DataTypeInformation{Name: "msg", Encoding: "proto"},
		},
	}
	if SampleDigest(s1) != SampleDigest(s2) {
		t.Fatal("identical samples must hash identically for the reapply fast path")
	}
}

func TestSampleDigestChangesWithTopicName(t *testing.T) {
	entity := EntityID{HostName: "h", ProcessID: 7, Seq: 3}
	base := &Sample{
		Kind:    KindPublisher,
		Command: CmdRegister,
		Publisher: &PublisherEntry{
			Topic: TopicID{Entity: entity, Name: "t"},
			Type:  DataTypeInformation{Name: "msg"},
		},
	}
	other := &Sample{
		Kind:    KindPublisher,
		Command: CmdRegister,
		Publisher: &PublisherEntry{
			Topic: TopicID{Entity: entity, Name: "different"},
			Type:  DataTypeInformation{Name: "msg"},
		},
	}
	if SampleDigest(base) == SampleDigest(other) {
		t.Fatal("digest must differ when the topic name differs")
	}
}
