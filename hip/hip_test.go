package hip

import "testing"

func TestBuilderAssemblesInfo(t *testing.T) {
	info := NewBuilder(nil).
		SetKernelImage(Range{Base: 0x100000, Size: 0x200000}).
		SetBuffer(Range{Base: 0x300000, Size: 0x10000}).
		SetRootTaskImage(Range{Base: 0x400000, Size: 0x50000}).
		SetACPIRSDP(0xf0000).
		SetUEFIMemoryMap(0x80000000).
		SetFeatures(FeatureIOMMU | FeatureVMX).
		AddSelector("root-obj", 1).
		AddSelector("root-hst", 2).
		SetEventLog(0x700000, 0x1000, 0x40).
		Build()

	if info.KernelImage.Base != 0x100000 || info.KernelImage.Size != 0x200000 {
		t.Fatalf("kernel image = %+v", info.KernelImage)
	}
	if info.Features&FeatureIOMMU == 0 || info.Features&FeatureVMX == 0 {
		t.Fatalf("features = %b, want IOMMU|VMX set", info.Features)
	}
	if info.Features&FeatureSVM != 0 {
		t.Fatal("SVM bit should not be set")
	}
	if len(info.Selectors) != 2 || info.Selectors[0].Name != "root-obj" || info.Selectors[1].Sel != 2 {
		t.Fatalf("selectors = %+v", info.Selectors)
	}
	if info.EventLogPhys != 0x700000 || info.EventLogSize != 0x1000 || info.EventLogOffset != 0x40 {
		t.Fatalf("event log fields wrong: %+v", info)
	}
}

func TestSetCPUTopologySetsCount(t *testing.T) {
	topo := []CPUDesc{{APICID: 0}, {APICID: 1}, {APICID: 2}}
	info := NewBuilder(nil).SetCPUTopology(topo).Build()
	if info.CPUCount != 3 {
		t.Fatalf("CPUCount = %d, want 3", info.CPUCount)
	}
	if len(info.CPUTopology) != 3 || info.CPUTopology[2].APICID != 2 {
		t.Fatalf("CPUTopology = %+v", info.CPUTopology)
	}
}

func TestDetectCPUCountPopulatesTopology(t *testing.T) {
	b, err := NewBuilder(nil).DetectCPUCount()
	if err != nil {
		t.Fatalf("DetectCPUCount: %v", err)
	}
	info := b.Build()
	if info.CPUCount <= 0 {
		t.Fatalf("CPUCount = %d, want > 0", info.CPUCount)
	}
	if len(info.CPUTopology) != info.CPUCount {
		t.Fatalf("topology len %d != CPUCount %d", len(info.CPUTopology), info.CPUCount)
	}
}
