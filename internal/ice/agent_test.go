package ice

import (
	"context"
	"testing"
	"time"
)

// connectAgents runs a full in-process ICE session between two agents with
// direct candidate exchange (no signaling fabric).
func connectAgents(t *testing.T, controlling, controlled *Agent) (*CandidatePair, *CandidatePair) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lc, err := controlling.GatherCandidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rc, err := controlled.GatherCandidates(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := controlling.SetRemoteCredentials(controlled.LocalCredentials()); err != nil {
		t.Fatal(err)
	}
	if err := controlled.SetRemoteCredentials(controlling.LocalCredentials()); err != nil {
		t.Fatal(err)
	}
	for _, c := range rc {
		if err := controlling.AddRemoteCandidate(c); err != nil {
			t.Fatal(err)
		}
	}
	for _, c := range lc {
		if err := controlled.AddRemoteCandidate(c); err != nil {
			t.Fatal(err)
		}
	}

	if err := controlling.StartChecks(); err != nil {
		t.Fatal(err)
	}
	if err := controlled.StartChecks(); err != nil {
		t.Fatal(err)
	}

	sel, err := controlling.WaitForSelected(ctx)
	if err != nil {
		t.Fatal(err)
	}
	selRemote, err := controlled.WaitForSelected(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return sel, selRemote
}

func TestAgentLoopbackAggressiveNomination(t *testing.T) {
	a := NewAgent(Config{Role: Controlling})
	b := NewAgent(Config{Role: Controlled})
	defer a.Close()
	defer b.Close()

	sel, selRemote := connectAgents(t, a, b)

	if !sel.Nominated() {
		t.Error("controlling side's selected pair is not nominated")
	}
	if sel.state != Succeeded {
		t.Errorf("selected pair state = %s", sel.state)
	}
	// Invariant: a succeeded pair has rtt set and attempts >= 1.
	if sel.RTT() <= 0 {
		t.Error("selected pair has no RTT")
	}
	if sel.attempts < 1 {
		t.Errorf("selected pair attempts = %d", sel.attempts)
	}
	if a.State() != StateCompleted || b.State() != StateCompleted {
		t.Errorf("states = %s / %s, want Completed", a.State(), b.State())
	}
	if !selRemote.Nominated() {
		t.Error("controlled side's selected pair is not nominated")
	}

	// The data path carries bytes end to end.
	connA, err := a.DataConn()
	if err != nil {
		t.Fatal(err)
	}
	connB, err := b.DataConn()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := connA.Write([]byte("across the pair")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := connB.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "across the pair" {
		t.Errorf("got %q", buf[:n])
	}
}

func TestControlledNeverNominatesAlone(t *testing.T) {
	b := NewAgent(Config{Role: Controlled})
	defer b.Close()
	if err := b.Nominate(""); err == nil {
		t.Error("controlled agent allowed to nominate")
	}
}

func TestStartChecksRequiresCredentials(t *testing.T) {
	a := NewAgent(Config{Role: Controlling})
	defer a.Close()
	if err := a.StartChecks(); err != ErrNoCredentials {
		t.Errorf("StartChecks = %v, want ErrNoCredentials", err)
	}
}

func TestCredentialBounds(t *testing.T) {
	c := NewCredentials()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if len(c.UFrag) < 4 || len(c.Pwd) < 22 {
		t.Errorf("credentials below RFC minimums: %d/%d", len(c.UFrag), len(c.Pwd))
	}

	for _, bad := range []Credentials{
		{UFrag: "ab", Pwd: c.Pwd},
		{UFrag: c.UFrag, Pwd: "short"},
	} {
		if err := bad.Validate(); err == nil {
			t.Errorf("Validate(%+v) passed", bad)
		}
	}
}

func TestRestartIssuesFreshAgent(t *testing.T) {
	a := NewAgent(Config{Role: Controlling})
	creds := a.LocalCredentials()

	fresh := a.Restart()
	defer fresh.Close()

	if a.State() != StateClosed {
		t.Error("old agent not closed by restart")
	}
	if fresh.LocalCredentials() == creds {
		t.Error("restart reused credentials")
	}
	if fresh.State() != StateNew {
		t.Errorf("fresh agent state = %s", fresh.State())
	}
}

func TestAgentStats(t *testing.T) {
	a := NewAgent(Config{Role: Controlling})
	b := NewAgent(Config{Role: Controlled})
	defer a.Close()
	defer b.Close()

	connectAgents(t, a, b)

	sa := a.Stats()
	if sa.ChecksSent == 0 {
		t.Error("controlling agent sent no checks")
	}
	if sa.LocalCandidates == 0 || sa.RemoteCandidates == 0 || sa.Pairs == 0 {
		t.Errorf("stats incomplete: %+v", sa)
	}
	if sa.State != StateCompleted {
		t.Errorf("stats state = %s", sa.State)
	}
}
