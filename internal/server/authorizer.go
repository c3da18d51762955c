package server

import "context"

// Principal is the caller behind a request. The zero value is anonymous.
type Principal struct {
	Username string
}

func (principal Principal) Anonymous() bool {
	return principal.Username == ""
}

type Authorizer interface {
	AuthorizeSubscription(ctx context.Context, principal Principal, kitSerial string) error
}

// KitAuthorizer lets a caller watch a kit's live measurements when the kit
// has a public dashboard or the caller is one of its members.
type KitAuthorizer struct {
	store Store
}

func NewKitAuthorizer(store Store) *KitAuthorizer {
	return &KitAuthorizer{store: store}
}

func (authorizer *KitAuthorizer) AuthorizeSubscription(
	ctx context.Context,
	principal Principal,
	kitSerial string,
) error {
	access, err := authorizer.store.KitAccess(ctx, kitSerial, principal.Username)
	if err != nil {
		return err
	}

	if access.PublicDashboard || access.Member {
		return nil
	}
	return ErrNotAuthorized
}
