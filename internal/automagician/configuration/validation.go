package configuration

import (
	"github.com/go-playground/validator/v10"

	"github.com/G-Research/automagician/internal/automagician/domain"
)

func (c AutomagicianConfiguration) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// QuotaFor returns the submission ceiling configured for cluster, zero when none is.
func (c AutomagicianConfiguration) QuotaFor(cluster domain.Cluster) int {
	return c.Quota[cluster]
}
