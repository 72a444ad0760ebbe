package catalog

import (
	"slices"

	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// Well-known counter names.
const (
	CounterTotalActivities = "total_activities"
	CounterMessagesSent    = "messages_sent"
	CounterBooksRead       = "books_read"
	CounterStudyMinutes    = "total_study_time_minutes"
	CounterLateNight       = "late_night_study"
	CounterEarlyMorning    = "early_morning_study"

	// Derived from learner sets rather than incremented.
	CounterTutorsUsed     = "different_tutors_used"
	CounterTopicsExplored = "topics_explored"
)

// signalAliases lists the longer payload keys older clients send for the
// reading signals.
var signalAliases = map[string][]string{
	"accuracy":      {"accuracy_score"},
	"wpm":           {"words_per_minute"},
	"comprehension": {"comprehension_score"},
}

// SignalAliases returns the alternative payload keys accepted for signal.
func SignalAliases(signal string) []string {
	return slices.Clone(signalAliases[signal])
}

// SubjectCounter returns the per-tutor interaction counter name.
func SubjectCounter(tutor string) string {
	return tutor + "_interactions"
}

// DefaultDefinition returns the built-in catalog source. Each call returns a
// fresh value that the caller may modify.
func DefaultDefinition() Definition {
	return Definition{
		Levels: LevelConfig{
			BaseXP:     100,
			Multiplier: 1.5,
			MaxLevel:   50,
			Titles: []string{
				"Novice Reader",
				"Curious Learner",
				"Book Explorer",
				"Knowledge Seeker",
				"Story Seeker",
				"Bright Scholar",
				"Chapter Champion",
				"Wisdom Keeper",
				"Master Scholar",
				"Literature Legend",
			},
			Perks: []Perk{
				{Level: 3, Name: "custom_avatar"},
				{Level: 5, Name: "voice_tutor"},
				{Level: 8, Name: "story_studio"},
				{Level: 10, Name: "advanced_quests"},
				{Level: 15, Name: "mentor_mode"},
				{Level: 20, Name: "legend_frame"},
			},
		},
		Badges:     defaultBadges(),
		Quests:     defaultQuests(),
		QuestSlots: 3,
		Activities: []ActivityRule{
			{Type: "message_sent", BaseXP: 5, Counter: CounterMessagesSent, Subject: true, Topics: true},
			{Type: "voice_used", BaseXP: 10, Counter: "voice_interactions", Subject: true},
			{Type: "book_generated", BaseXP: 20, Counter: "stories_generated"},
			{Type: "chapter_completed", BaseXP: 30, Counter: "chapters_completed"},
			{
				Type:    "reading_session",
				BaseXP:  40,
				Counter: CounterBooksRead,
				Bonuses: []BonusRule{
					{Signal: "accuracy", Factor: 0.5, Cap: 50},
					{Signal: "wpm", Factor: 0.5, Cap: 50},
					{Signal: "comprehension", Factor: 0.5, Cap: 50},
				},
				SignalCounters: []SignalCounter{
					{Signal: "wpm", Min: 100, Counter: "fast_reading_sessions"},
					{Signal: "accuracy", Min: 90, Counter: "accurate_reading_sessions"},
					{Signal: "comprehension", Min: 80, Counter: "deep_comprehension_sessions"},
				},
			},
		},
		Accumulators: []Accumulator{
			{Signal: "duration_minutes", Counter: CounterStudyMinutes},
		},
		Ranks: []Rank{
			{Name: "Novice Reader", MinXP: 0},
			{Name: "Book Explorer", MinXP: 1000},
			{Name: "Story Seeker", MinXP: 5000},
			{Name: "Chapter Champion", MinXP: 10000},
			{Name: "Literature Legend", MinXP: 50000},
		},
		StreakType: "daily_study",
		StreakMilestones: []StreakMilestone{
			{Days: 7, BadgeID: "daily_learner"},
			{Days: 30, BadgeID: "study_warrior"},
		},
		TutorTypes:   []string{"math", "science", "reading", "general"},
		DefaultTutor: "general",
		Topics: []Topic{
			{Name: "math", Keywords: []string{"math", "addition", "subtraction", "multiplication", "division", "algebra", "geometry", "number", "calculate"}},
			{Name: "science", Keywords: []string{"science", "experiment", "chemistry", "physics", "biology", "atoms", "molecules", "gravity"}},
			{Name: "history", Keywords: []string{"history", "ancient", "war", "president", "empire", "civilization", "historical"}},
			{Name: "english", Keywords: []string{"reading", "writing", "grammar", "story", "poem", "literature", "essay"}},
			{Name: "geography", Keywords: []string{"country", "continent", "ocean", "mountain", "river", "capital", "map"}},
			{Name: "space", Keywords: []string{"space", "planet", "star", "galaxy", "astronaut", "rocket", "solar system"}},
			{Name: "animals", Keywords: []string{"animal", "dog", "cat", "bird", "fish", "mammal", "reptile", "habitat"}},
		},
		TimeOfDay: TimeOfDay{
			LateNight:           timeutil.HourWindow{Start: 22, End: 5},
			LateNightCounter:    CounterLateNight,
			EarlyMorning:        timeutil.HourWindow{Start: 4, End: 8},
			EarlyMorningCounter: CounterEarlyMorning,
		},
	}
}

func defaultBadges() []BadgeDefinition {
	return []BadgeDefinition{
		// engagement
		{ID: "first_interaction", Name: "First Interaction", Description: "Sent your first message to a tutor", Category: "engagement", Icon: "💬",
			Requirements: Requirements{CounterMessagesSent: 1}, XPReward: 10, Tier: TierBronze, Rarity: 5},
		{ID: "curious_mind", Name: "Curious Mind", Description: "Asked 50 questions", Category: "engagement", Icon: "🤔",
			Requirements: Requirements{CounterMessagesSent: 50}, XPReward: 50, Tier: TierSilver, Rarity: 30},
		{ID: "voice_explorer", Name: "Voice Explorer", Description: "Used voice mode 10 times", Category: "engagement", Icon: "🎙️",
			Requirements: Requirements{"voice_interactions": 10}, XPReward: 50, Tier: TierSilver, Rarity: 35},
		{ID: "tutor_hopper", Name: "Tutor Hopper", Description: "Studied with three different tutors", Category: "engagement", Icon: "🧭",
			Requirements: Requirements{CounterTutorsUsed: 3}, XPReward: 40, Tier: TierSilver, Rarity: 25},

		// subjects
		{ID: "math_whiz", Name: "Math Whiz", Description: "25 conversations with the math tutor", Category: "subjects", Icon: "➗",
			Requirements: Requirements{SubjectCounter("math"): 25}, XPReward: 75, Tier: TierSilver, Rarity: 40},
		{ID: "science_star", Name: "Science Star", Description: "25 conversations with the science tutor", Category: "subjects", Icon: "🔬",
			Requirements: Requirements{SubjectCounter("science"): 25}, XPReward: 75, Tier: TierSilver, Rarity: 40},
		{ID: "topic_traveler", Name: "Topic Traveler", Description: "Explored five different topics", Category: "subjects", Icon: "🗺️",
			Requirements: Requirements{CounterTopicsExplored: 5}, XPReward: 100, Tier: TierGold, Rarity: 60},

		// reading
		{ID: "first_book", Name: "First Book", Description: "Finished your first reading session", Category: "reading", Icon: "📖",
			Requirements: Requirements{CounterBooksRead: 1}, XPReward: 20, Tier: TierBronze, Rarity: 10},
		{ID: "bookworm", Name: "Bookworm", Description: "Finished ten reading sessions", Category: "reading", Icon: "🐛",
			Requirements: Requirements{CounterBooksRead: 10}, XPReward: 150, Tier: TierGold, Rarity: 65},
		{ID: "storyteller", Name: "Storyteller", Description: "Generated five stories", Category: "reading", Icon: "✍️",
			Requirements: Requirements{"stories_generated": 5}, XPReward: 60, Tier: TierSilver, Rarity: 35},
		{ID: "chapter_chaser", Name: "Chapter Chaser", Description: "Completed ten chapters", Category: "reading", Icon: "📚",
			Requirements: Requirements{"chapters_completed": 10}, XPReward: 80, Tier: TierSilver, Rarity: 45},
		{ID: "pronunciation_pro", Name: "Pronunciation Pro", Description: "Completed the Perfect Pronunciation quest", Category: "reading", Icon: "🗣️",
			XPReward: 100, Tier: TierGold, Rarity: 75},

		// habits
		{ID: "night_owl", Name: "Night Owl", Description: "Studied late at night five times", Category: "habits", Icon: "🦉",
			Requirements: Requirements{CounterLateNight: 5}, XPReward: 40, Tier: TierSilver, Rarity: 30},
		{ID: "early_bird", Name: "Early Bird", Description: "Studied early in the morning five times", Category: "habits", Icon: "🐦",
			Requirements: Requirements{CounterEarlyMorning: 5}, XPReward: 40, Tier: TierSilver, Rarity: 30},
		{ID: "dedicated_learner", Name: "Dedicated Learner", Description: "Logged 100 activities", Category: "habits", Icon: "🏅",
			Requirements: Requirements{CounterTotalActivities: 100}, XPReward: 100, Tier: TierGold, Rarity: 55},
		{ID: "study_marathon", Name: "Study Marathon", Description: "Studied for ten hours in total", Category: "habits", Icon: "⏱️",
			Requirements: Requirements{CounterStudyMinutes: 600}, XPReward: 200, Tier: TierPlatinum, Rarity: 85},

		// streaks
		{ID: "daily_learner", Name: "Daily Learner", Description: "Kept a 7-day study streak", Category: "streaks", Icon: "🔥",
			XPReward: 100, Tier: TierSilver, Rarity: 50},
		{ID: "study_warrior", Name: "Study Warrior", Description: "Kept a 30-day study streak", Category: "streaks", Icon: "⚔️",
			XPReward: 500, Tier: TierPlatinum, Rarity: 90},
	}
}

func defaultQuests() []QuestDefinition {
	return []QuestDefinition{
		{ID: "daily_explorer", Name: "Daily Explorer", Description: "Send 5 messages to any tutor today",
			Requirements: Requirements{CounterMessagesSent: 5}, XPReward: 50, TimeLimitHours: 24, Tier: TierBronze, MinLevel: 1},
		{ID: "voice_adventurer", Name: "Voice Adventurer", Description: "Use voice mode 3 times today",
			Requirements: Requirements{"voice_interactions": 3}, XPReward: 40, TimeLimitHours: 24, Tier: TierBronze, MinLevel: 1,
			RequiresCounter: "voice_interactions"},
		{ID: "math_marathon", Name: "Math Marathon", Description: "Have 10 math conversations today",
			Requirements: Requirements{SubjectCounter("math"): 10}, XPReward: 100, TimeLimitHours: 24, Tier: TierSilver, MinLevel: 2,
			RequiresCounter: SubjectCounter("math")},
		{ID: "science_sprint", Name: "Science Sprint", Description: "Have 10 science conversations today",
			Requirements: Requirements{SubjectCounter("science"): 10}, XPReward: 100, TimeLimitHours: 24, Tier: TierSilver, MinLevel: 2,
			RequiresCounter: SubjectCounter("science")},
		{ID: "speed_reader", Name: "Speed Reader", Description: "Read at 100+ words per minute in 3 sessions this week",
			Requirements: Requirements{"fast_reading_sessions": 3}, XPReward: 100, TimeLimitHours: 168, Tier: TierSilver, MinLevel: 2,
			RequiresCounter: CounterBooksRead},
		{ID: "perfect_pronunciation", Name: "Perfect Pronunciation", Description: "Reach 90%+ accuracy in 3 sessions this week",
			Requirements: Requirements{"accurate_reading_sessions": 3}, XPReward: 150, BadgeReward: "pronunciation_pro",
			TimeLimitHours: 168, Tier: TierGold, MinLevel: 3, RequiresCounter: CounterBooksRead},
		{ID: "deep_understanding", Name: "Deep Understanding", Description: "Score 80%+ comprehension in 3 sessions this week",
			Requirements: Requirements{"deep_comprehension_sessions": 3}, XPReward: 200, TimeLimitHours: 168, Tier: TierGold, MinLevel: 4,
			RequiresCounter: CounterBooksRead},
		{ID: "story_weaver", Name: "Story Weaver", Description: "Generate 3 stories and complete 5 chapters this week",
			Requirements: Requirements{"stories_generated": 3, "chapters_completed": 5}, XPReward: 150, TimeLimitHours: 168,
			Tier: TierSilver, MinLevel: 3, RequiresCounter: "stories_generated"},
	}
}
