// Package validation validates registration and client configs.
//
// Struct tags go through go-playground/validator with an extra
// "identifier" tag for registry ids and names:
//
//	type ServiceConfig struct {
//	    ID   string `validate:"required,identifier"`
//	    Port int    `validate:"min=1,max=65535"`
//	}
//	err := validation.Validate(cfg)
//
// Cross-field rules use the chained Validator:
//
//	v := validation.New()
//	v.Custom(kind != "script" || target != "", "health_check.target", "is required for script checks")
//	err := v.Err()
package validation
