package ident

import "testing"

func TestLocalIDDeterministic(t *testing.T) {
	a := LocalID(4, "contact-42")
	b := LocalID(4, "contact-42")
	if a != b {
		t.Fatalf("expected stable id, got %d vs %d", a, b)
	}
	if a <= 0 {
		t.Fatalf("expected positive id, got %d", a)
	}
}

func TestLocalIDConnectorScoped(t *testing.T) {
	// the same external id on two connectors must not collide
	if LocalID(1, "42") == LocalID(2, "42") {
		t.Fatalf("ids for different connectors collided")
	}
	if LocalID(1, "42") == LocalID(1, "43") {
		t.Fatalf("ids for different external ids collided")
	}
}

func TestLocalIDIntMatchesString(t *testing.T) {
	if LocalIDInt(4, 42) != LocalID(4, "42") {
		t.Fatalf("numeric and string external ids must map to the same row")
	}
}

func TestLocalIDSeparatorAmbiguity(t *testing.T) {
	// (12, "3") and (1, "23") must hash differently
	if LocalID(12, "3") == LocalID(1, "23") {
		t.Fatalf("concatenation ambiguity in id derivation")
	}
}
