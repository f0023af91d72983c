package registration

import (
	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/payload"
)

// Discriminator selects this handler for queued registration events.
const Discriminator = "json-registration"

const otherIdentifierPrefix = "patient.otheridentifier^"

func patientField(name string) string {
	return payload.Key("patient", "patient."+name)
}

func encounterField(name string) string {
	return payload.Key("encounter", "encounter."+name)
}

var (
	pathPatient            = payload.Key("patient")
	pathTemporaryID        = patientField("uuid")
	pathGivenName          = patientField("given_name")
	pathMiddleName         = patientField("middle_name")
	pathFamilyName         = patientField("family_name")
	pathSex                = patientField("sex")
	pathBirthDate          = patientField("birth_date")
	pathBirthDateEstimated = patientField("birthdate_estimated")
	pathOtherIdentifier    = patientField("otheridentifier")

	pathLocationID   = encounterField("location_id")
	pathUserSystemID = encounterField("user_system_id")
	pathProviderID   = encounterField("provider_id")

	pathObservation         = payload.Key("observation")
	pathSkipPatientMatching = payload.Key("skipPatientMatching")
)

// Fields of one identifier object.
var (
	pathIdentifierTypeUUID = payload.Key("identifier_type_uuid")
	pathIdentifierTypeName = payload.Key("identifier_type_name")
	pathIdentifierValue    = payload.Key("identifier_value")
)

// addressFields maps payload keys to the address field they fill.
var addressFields = []struct {
	key string
	set func(a *registry.Address, v string)
}{
	{"county", func(a *registry.Address, v string) { a.CountyDistrict = v }},
	{"sub_county", func(a *registry.Address, v string) { a.StateProvince = v }},
	{"ward", func(a *registry.Address, v string) { a.Address4 = v }},
	{"location", func(a *registry.Address, v string) { a.Address6 = v }},
	{"sub_location", func(a *registry.Address, v string) { a.Address5 = v }},
	{"village", func(a *registry.Address, v string) { a.CityVillage = v }},
	{"postal_address", func(a *registry.Address, v string) { a.Address1 = v }},
	{"landmark", func(a *registry.Address, v string) { a.Address2 = v }},
}
