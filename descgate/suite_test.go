package descgate

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestDescGate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "descgate suite")
}
