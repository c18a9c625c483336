package auth

// CanSubscribe checks if the token holder may subscribe to an event category.
func CanSubscribe(payload *TokenPayload, category string) bool {
	if payload == nil {
		return false
	}
	if payload.Grants.IsAdmin {
		return true
	}
	for _, c := range payload.Grants.Categories {
		if c == "*" || c == category {
			return true
		}
	}
	return false
}

// CanViewDocument checks the token's document view scope. An empty
// CanView list means the token is not document-scoped and access is
// decided by the document's own collaborator roles; a non-empty list
// restricts the holder to the documents it names.
func CanViewDocument(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Grants.IsAdmin || len(payload.Grants.CanView) == 0 {
		return true
	}
	for _, id := range payload.Grants.CanView {
		if id == "*" || id == documentID {
			return true
		}
	}
	return false
}

// CanEditDocument checks the token's document edit scope, with the same
// empty-list semantics as CanViewDocument.
func CanEditDocument(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Grants.IsAdmin || len(payload.Grants.CanEdit) == 0 {
		return true
	}
	for _, id := range payload.Grants.CanEdit {
		if id == "*" || id == documentID {
			return true
		}
	}
	return false
}

// UserGrants creates a non-admin grant set.
func UserGrants(categories, canView, canEdit []string) GrantSet {
	return GrantSet{
		Categories: categories,
		CanView:    canView,
		CanEdit:    canEdit,
		IsAdmin:    false,
	}
}

// AdminGrants creates an admin grant set with full access.
func AdminGrants() GrantSet {
	return GrantSet{
		Categories: []string{"*"},
		CanView:    []string{"*"},
		CanEdit:    []string{"*"},
		IsAdmin:    true,
	}
}
