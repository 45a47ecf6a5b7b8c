package core

import (
	"testing"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

func threeAuditorReports(t *testing.T) ([]AuditReport, []*PeerIdentity) {
	t.Helper()
	target := AttestedTarget{URL: "https://example.org/page", ContentHash: [32]byte{1, 2, 3}}
	const epoch = 42
	observed := target.ContentHash

	ids := make([]*PeerIdentity, 3)
	reports := make([]AuditReport, 3)
	for i := range ids {
		id, err := mintIdentity(1)
		if err != nil {
			t.Fatalf("mintIdentity: %v", err)
		}
		ids[i] = id
		r := AuditReport{AuditorID: id.ID, Target: target, Epoch: epoch, ObservedHash: observed, Matches: true}
		sig, err := id.Sign(auditReportCanonicalBytes(r))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		r.Sig = sig
		blsSig, err := id.SignBLS(quorumMessage(target, epoch, observed))
		if err != nil {
			t.Fatalf("sign bls: %v", err)
		}
		r.BLSSig = blsSig
		reports[i] = r
	}
	return reports, ids
}

func TestBuildAndVerifyQuorumProof(t *testing.T) {
	reports, ids := threeAuditorReports(t)

	proof, err := BuildQuorumProof(reports)
	if err != nil {
		t.Fatalf("BuildQuorumProof: %v", err)
	}
	if len(proof.AuditorIDs) != 3 {
		t.Fatalf("expected 3 auditor ids, got %d", len(proof.AuditorIDs))
	}

	pubs := make([]*bls.PublicKey, len(ids))
	for i, id := range ids {
		pubs[i] = id.BLSPublicKey()
	}
	ok, err := VerifyQuorumProof(proof, pubs)
	if err != nil {
		t.Fatalf("VerifyQuorumProof: %v", err)
	}
	if !ok {
		t.Fatal("expected quorum proof to verify")
	}
}

func TestBuildQuorumProofRejectsDisagreement(t *testing.T) {
	reports, _ := threeAuditorReports(t)
	reports[1].ObservedHash = [32]byte{9, 9, 9}
	if _, err := BuildQuorumProof(reports); err == nil {
		t.Fatal("expected error for disagreeing reports")
	}
}

func TestBuildQuorumProofRejectsFewerThanThree(t *testing.T) {
	reports, _ := threeAuditorReports(t)
	if _, err := BuildQuorumProof(reports[:2]); err == nil {
		t.Fatal("expected error for fewer than 3 reports")
	}
}

func TestVerifyQuorumProofRejectsWrongKeyCount(t *testing.T) {
	reports, ids := threeAuditorReports(t)
	proof, err := BuildQuorumProof(reports)
	if err != nil {
		t.Fatalf("BuildQuorumProof: %v", err)
	}
	if _, err := VerifyQuorumProof(proof, []*bls.PublicKey{ids[0].BLSPublicKey()}); err == nil {
		t.Fatal("expected error for mismatched pubkey count")
	}
}
