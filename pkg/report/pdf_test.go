package report

import "testing"

func TestNewPDFGenerator(t *testing.T) {
	if NewPDFGenerator() == nil {
		t.Fatal("NewPDFGenerator should not return nil")
	}
}

func TestPDFGenerator_Generate(t *testing.T) {
	g := NewPDFGenerator()
	data := sampleSessionData()

	result, err := g.Generate(data)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(result) < 5 {
		t.Fatal("PDF file too small")
	}
	if string(result[:5]) != "%PDF-" {
		t.Error("result doesn't look like a valid PDF file")
	}
}

func TestPDFGenerator_Generate_NoFinalParameters(t *testing.T) {
	g := NewPDFGenerator()
	data := &SessionData{SessionID: "sess-empty", MaterialID: "flour", TargetWeight: 500}

	result, err := g.Generate(data)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if string(result[:5]) != "%PDF-" {
		t.Error("result doesn't look like a valid PDF file")
	}
}
