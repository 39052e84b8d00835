package compose

var defaultButtons = []Button{
	{Label: "Attending", Data: "rsvp:attending"},
	{Label: "Not attending", Data: "rsvp:declined"},
	{Label: "Details", URL: "{{response_link?}}"},
}

// DefaultCatalog holds one template per message kind, keyed by the kind.
var DefaultCatalog = []Template{
	{
		ID:       "invite",
		Kind:     "invite",
		Body:     "Hi {{guest_name}}! You are invited to {{event_name}} on {{event_date}} at {{event_time}}{{venue_suffix?}}. Please let us know if you can make it{{rsvp_deadline_suffix?}}.",
		ImageURL: "{{invitation_image?}}",
	},
	{
		ID:   "reminder",
		Kind: "reminder",
		Body: "Hi {{guest_name}}, a friendly reminder to RSVP for {{event_name}} by {{rsvp_deadline}}.",
	},
	{
		ID:   "event-day",
		Kind: "event-day",
		Body: "Good morning {{guest_name}}! Today is {{event_name}}. See you at {{event_time}}{{venue_suffix?}}.",
		Buttons: []Button{
			{Label: "Directions", URL: "{{directions_url?}}"},
			{Label: "Running late", Data: "status:late"},
		},
	},
	{
		ID:       "thank-you",
		Kind:     "thank-you",
		Body:     "Thank you for celebrating {{event_name}} with us, {{guest_name}}!",
		ImageURL: "{{photo_url?}}",
	},
}
