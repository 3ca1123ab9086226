package descgate

import (
	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newTestGate() *Gate {
	return New(nlog.New("descgate-test"), metrics.New())
}

func pubSample(entity cmn.EntityID, topic string, cmd cmn.SampleCommand) *cmn.Sample {
	return &cmn.Sample{
		Kind:    cmn.KindPublisher,
		Command: cmd,
		Publisher: &cmn.PublisherEntry{
			Topic: cmn.TopicID{Entity: entity, Name: topic},
			Type:  cmn.DataTypeInformation{Name: "msg", Encoding: "proto"},
		},
	}
}

var _ = Describe("Gate", func() {
	var (
		gate   *Gate
		entity cmn.EntityID
	)

	BeforeEach(func() {
		gate = newTestGate()
		entity = cmn.EntityID{HostName: "h1", ProcessID: 100, Seq: 1, ShortID: "abc"}
	})

	Describe("ApplySample", func() {
		It("registers a new publisher and fires a new_entity event", func() {
			var got Event
			gate.AddEventCallback(EventNewEntity, func(ev Event) { got = ev })

			gate.ApplySample(pubSample(entity, "topic_a", cmn.CmdRegister), cmn.LayerUDP)

			Expect(got.Kind).To(Equal(EventNewEntity))
			Expect(got.Entity).To(Equal(entity))
			Expect(gate.QueryPublishers()).To(ContainElement(cmn.TopicID{Entity: entity, Name: "topic_a"}))
		})

		It("is a no-op on reapplying an identical sample", func() {
			calls := 0
			gate.AddEventCallback(EventNewEntity, func(Event) { calls++ })

			s := pubSample(entity, "topic_a", cmn.CmdRegister)
			gate.ApplySample(s, cmn.LayerUDP)
			gate.ApplySample(s, cmn.LayerUDP)
			gate.ApplySample(s, cmn.LayerUDP)

			Expect(calls).To(Equal(1))
		})

		It("fires again when the sample's type changes", func() {
			calls := 0
			gate.AddEventCallback(EventNewEntity, func(Event) { calls++ })

			gate.ApplySample(pubSample(entity, "topic_a", cmn.CmdRegister), cmn.LayerUDP)
			s2 := pubSample(entity, "topic_a", cmn.CmdRegister)
			s2.Publisher.Type.Encoding = "capnp"
			gate.ApplySample(s2, cmn.LayerUDP)

			Expect(calls).To(Equal(2))
		})

		It("removes an entry and fires deleted_entity on unregister", func() {
			var deletedEv Event
			gate.AddEventCallback(EventDeletedEntity, func(ev Event) { deletedEv = ev })

			gate.ApplySample(pubSample(entity, "topic_a", cmn.CmdRegister), cmn.LayerUDP)
			gate.ApplySample(pubSample(entity, "topic_a", cmn.CmdUnregister), cmn.LayerUDP)

			Expect(deletedEv.Kind).To(Equal(EventDeletedEntity))
			Expect(gate.QueryPublishers()).NotTo(ContainElement(cmn.TopicID{Entity: entity, Name: "topic_a"}))
		})

		It("ignores a nil sample without panicking", func() {
			Expect(func() { gate.ApplySample(nil, cmn.LayerUDP) }).NotTo(Panic())
		})
	})

	Describe("RemoveEventCallback", func() {
		It("stops delivering events to a removed callback", func() {
			calls := 0
			tok := gate.AddEventCallback(EventNewEntity, func(Event) { calls++ })
			gate.RemoveEventCallback(EventNewEntity, tok)

			gate.ApplySample(pubSample(entity, "topic_a", cmn.CmdRegister), cmn.LayerUDP)

			Expect(calls).To(Equal(0))
		})
	})

	Describe("MarkSlow", func() {
		It("skips a callback marked slow without removing it", func() {
			calls := 0
			tok := gate.AddEventCallback(EventNewEntity, func(Event) { calls++ })
			gate.MarkSlow(EventNewEntity, tok)

			gate.ApplySample(pubSample(entity, "topic_a", cmn.CmdRegister), cmn.LayerUDP)

			Expect(calls).To(Equal(0))
		})
	})

	Describe("ServerEntries", func() {
		It("returns only entries matching the requested service name", func() {
			svc := cmn.ServiceID{Entity: entity, Name: "mirror"}
			gate.ApplySample(&cmn.Sample{
				Kind:    cmn.KindServer,
				Command: cmn.CmdRegister,
				Server:  &cmn.ServiceEntry{Service: svc, TCPPortV0: 1000, TCPPortV1: 1001},
			}, cmn.LayerUDP)

			entries := gate.ServerEntries("mirror")
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Service).To(Equal(svc))

			Expect(gate.ServerEntries("unknown")).To(BeEmpty())
		})
	})

	Describe("RemoveTopic", func() {
		It("synthesizes an unregister sample for the given topic", func() {
			gate.ApplySample(pubSample(entity, "topic_a", cmn.CmdRegister), cmn.LayerUDP)
			gate.RemoveTopic(cmn.KindPublisher, cmn.TopicID{Entity: entity, Name: "topic_a"})

			Expect(gate.QueryPublishers()).To(BeEmpty())
		})
	})
})
