package validations

import (
	"context"

	domainFilter "github.com/AzielCF/az-filter/domains/filter"
	"github.com/AzielCF/az-filter/filter/domain/rule"
	pkgError "github.com/AzielCF/az-filter/pkg/error"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func ValidateSetPolicy(ctx context.Context, request domainFilter.SetPolicyRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.DefaultPolicy,
			validation.Required,
			validation.In(string(rule.PolicyAllowAll), string(rule.PolicyDenyAll)),
		),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}

func ValidateUpsertEntry(ctx context.Context, request domainFilter.UpsertEntryRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Sender, validation.Required),
		validation.Field(&request.Categories,
			validation.Each(validation.Required, validation.By(validCategory)),
		),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}

// validCategory delegates to the domain parser so the REST boundary and the
// engine agree on what a category is.
func validCategory(value any) error {
	raw, _ := value.(string)
	_, err := rule.ParseCategory(raw)
	return err
}
