package models

import (
	"errors"

	"gorm.io/gorm"
)

// WelcomeSequenceName is the sequence every new lead is enrolled into.
const WelcomeSequenceName = "welcome"

// Initialize the default templates and the welcome sequence
func CreateDefaultSequences(db *gorm.DB) (*Sequence, error) {
	defaultTemplates := []Template{
		{
			Name:    "welcome_email",
			Channel: ChannelEmail,
			Subject: "Thanks for reaching out, {{name|there}}",
			Body: "<html><body><p>Hi {{name|there}},</p>" +
				"<p>Thanks for your interest in {{theme|our programs}}. " +
				"We put together an overview for {{company|your team}}: https://leadflow.example.com/programs</p>" +
				"</body></html>",
			ABKey: "welcome",
		},
		{
			Name:    "follow_up_email",
			Channel: ChannelEmail,
			Subject: "Did you get a chance to look, {{name|there}}?",
			Body: "<html><body><p>Hi {{name|there}},</p>" +
				"<p>Just checking in. You can book a call here: https://leadflow.example.com/book</p>" +
				"</body></html>",
			ABKey: "follow_up",
		},
		{
			Name:    "reminder_sms",
			Channel: ChannelSMS,
			Body:    "Hi {{name|there}}, your {{theme|program}} overview is waiting: https://leadflow.example.com/programs",
		},
	}

	ids := make([]uint, len(defaultTemplates))
	for i, tpl := range defaultTemplates {
		if err := db.FirstOrCreate(&tpl, "name = ?", tpl.Name).Error; err != nil {
			return nil, err
		}
		ids[i] = tpl.ID
	}

	var seq Sequence
	err := db.Where("name = ? AND active = ?", WelcomeSequenceName, true).First(&seq).Error
	if err == nil {
		return &seq, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	seq = Sequence{
		Name:    WelcomeSequenceName,
		Version: 1,
		Active:  true,
		Steps: []SequenceStep{
			{DelayHours: 0, TemplateID: ids[0], Channel: ChannelEmail},
			{DelayHours: 48, TemplateID: ids[1], Channel: ChannelEmail, Conditions: []Condition{ConditionIfNotOpened}},
			{DelayHours: 72, TemplateID: ids[2], Channel: ChannelSMS, Conditions: []Condition{ConditionIfNotClicked}},
		},
	}
	if err := db.Create(&seq).Error; err != nil {
		return nil, err
	}
	return &seq, nil
}
