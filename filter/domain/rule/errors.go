package rule

import "errors"

var (
	ErrUnauthorized          = errors.New("caller is not the rule set owner")
	ErrInvalidAccount        = errors.New("invalid account id")
	ErrInvalidPolicy         = errors.New("invalid default policy")
	ErrSelfTarget            = errors.New("sender cannot be the rule set owner")
	ErrCategoriesOnDeny      = errors.New("deny entries cannot carry categories")
	ErrUnknownCategory       = errors.New("unknown data category")
	ErrEntryLimit            = errors.New("entry limit reached for this owner")
	ErrRuleSetNotFound       = errors.New("rule set not found")
	ErrInternalInconsistency = errors.New("stored rule set is inconsistent")
)
