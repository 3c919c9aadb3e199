package commands

import (
	"context"
	"errors"
	"testing"

	"mlschat/internal/app"
	"mlschat/internal/domain"
)

// fakeRouterService is a minimal domain.RouterService recording which
// method was called and with what arguments, enough to check dispatchLine's
// parsing without wiring a real engine/store/transport.
type fakeRouterService struct {
	sentGroup   domain.GroupID
	sentText    string
	invitedPeer domain.Username
	invitedInto domain.GroupID
	members     []domain.Username
	membersErr  error
	sendErr     error
	inviteErr   error
}

func (f *fakeRouterService) Initialize(ctx context.Context, identity domain.Identity) error { return nil }
func (f *fakeRouterService) CreateGroup(ctx context.Context, groupName string) (domain.GroupID, error) {
	return nil, nil
}
func (f *fakeRouterService) ProcessEnvelope(ctx context.Context, env domain.Envelope) error {
	return nil
}
func (f *fakeRouterService) SendMessageTo(ctx context.Context, groupID domain.GroupID, text string) error {
	f.sentGroup, f.sentText = groupID, text
	return f.sendErr
}
func (f *fakeRouterService) InviteTo(ctx context.Context, groupID domain.GroupID, username domain.Username) error {
	f.invitedInto, f.invitedPeer = groupID, username
	return f.inviteErr
}
func (f *fakeRouterService) ListMembersOf(groupID domain.GroupID) ([]domain.Username, error) {
	return f.members, f.membersErr
}
func (f *fakeRouterService) RefreshKeyPackages(ctx context.Context) error { return nil }
func (f *fakeRouterService) NextEnvelope(ctx context.Context) (domain.Envelope, error) {
	<-ctx.Done()
	return domain.Envelope{}, ctx.Err()
}

var _ domain.RouterService = (*fakeRouterService)(nil)

// withFakeAppCtx swaps the package-level appCtx for the duration of a test
// and restores whatever was there before, since it is shared global state
// set up by PersistentPreRunE in real use.
func withFakeAppCtx(t *testing.T, router domain.RouterService) *fakeRouterService {
	t.Helper()
	prior := appCtx
	fr := router.(*fakeRouterService)
	appCtx = &app.Wire{RouterService: router}
	t.Cleanup(func() { appCtx = prior })
	return fr
}

func TestDispatchLine_EmptyLineIsNoop(t *testing.T) {
	withFakeAppCtx(t, &fakeRouterService{})
	if err := dispatchLine(context.Background(), "   "); err != nil {
		t.Fatalf("expected no error on blank input, got %v", err)
	}
}

func TestDispatchLine_QuitReturnsErrQuit(t *testing.T) {
	withFakeAppCtx(t, &fakeRouterService{})
	if err := dispatchLine(context.Background(), "quit"); !errors.Is(err, errQuit) {
		t.Fatalf("expected errQuit, got %v", err)
	}
	if err := dispatchLine(context.Background(), "exit"); !errors.Is(err, errQuit) {
		t.Fatalf("expected errQuit for exit alias, got %v", err)
	}
}

func TestDispatchLine_Send_ParsesGroupAndJoinsRemainingWordsAsText(t *testing.T) {
	fr := withFakeAppCtx(t, &fakeRouterService{})
	if err := dispatchLine(context.Background(), "send 6768 hello there friend"); err != nil {
		t.Fatalf("dispatch send: %v", err)
	}
	if fr.sentGroup.String() != "6768" {
		t.Fatalf("expected group 6768, got %s", fr.sentGroup.String())
	}
	if fr.sentText != "hello there friend" {
		t.Fatalf("expected joined text, got %q", fr.sentText)
	}
}

func TestDispatchLine_Send_TooFewArgsIsUsageError(t *testing.T) {
	withFakeAppCtx(t, &fakeRouterService{})
	err := dispatchLine(context.Background(), "send 6768")
	if err == nil {
		t.Fatal("expected a usage error for a send with no text")
	}
}

func TestDispatchLine_Send_InvalidGroupHexFails(t *testing.T) {
	withFakeAppCtx(t, &fakeRouterService{})
	err := dispatchLine(context.Background(), "send not-hex hello")
	if err == nil {
		t.Fatal("expected an error for a non-hex group id")
	}
}

func TestDispatchLine_Invite_DispatchesToRouter(t *testing.T) {
	fr := withFakeAppCtx(t, &fakeRouterService{})
	if err := dispatchLine(context.Background(), "invite ab12 bob"); err != nil {
		t.Fatalf("dispatch invite: %v", err)
	}
	if fr.invitedInto.String() != "ab12" || fr.invitedPeer != "bob" {
		t.Fatalf("expected invite into ab12 for bob, got group=%s peer=%s", fr.invitedInto.String(), fr.invitedPeer)
	}
}

func TestDispatchLine_Invite_WrongArgCountIsUsageError(t *testing.T) {
	withFakeAppCtx(t, &fakeRouterService{})
	if err := dispatchLine(context.Background(), "invite ab12"); err == nil {
		t.Fatal("expected a usage error for invite with no peer")
	}
}

func TestDispatchLine_Members_PropagatesRouterError(t *testing.T) {
	withFakeAppCtx(t, &fakeRouterService{membersErr: errors.New("boom")})
	err := dispatchLine(context.Background(), "members ab12")
	if err == nil {
		t.Fatal("expected the router's error to propagate")
	}
}

func TestDispatchLine_UnknownCommand(t *testing.T) {
	withFakeAppCtx(t, &fakeRouterService{})
	if err := dispatchLine(context.Background(), "frobnicate now"); err == nil {
		t.Fatal("expected an error for an unrecognized command")
	}
}
