package synth

const classifyPrompt = "Analyze the following user text. " +
	"Return exactly one of these words in lowercase: 'control', 'question', 'weather', 'rebuild_database', 'test'. " +
	"No other text."

const refineQueryPrompt = "Extract the essential keywords from the user's request to find relevant devices with keyword search. " +
	"The most important keyword to search for is room name (office, living room, dining room, bedroom, kitchen). " +
	"Do not include adjectives, focus on nouns. " +
	"Focus on device type (light, fan, media_player, climate, switch). " +
	"If user is being vague describing a scene then provide keywords " +
	"which could achieve the intent of the user. Return only a short phrase in lowercase."

const wantsMusicPrompt = "Decide if the user's command implies or would benefit from playing music. " +
	"Return 'true' or 'false' only, no extra text."

const musicQueryPrompt = "Based on the user's prompt, generate a concise Spotify search query using field filters. " +
	"Use only 'track:', 'album:', or 'playlist:' as needed. " +
	"Return only the query, no other text. Never return an artist, instead if the user wants music from a " +
	"specific artist find a playlist or album, unless the user requests a specific song from that artist " +
	"then the artist should be a filter and not the primary search term."

const confirmationPrompt = "The user asked a smart home assistant to do something and the assistant prepared " +
	"the service calls below. Write one short spoken sentence summarizing what is about to happen and asking " +
	"the user to confirm with yes or no. Do not list technical entity IDs. Return only the sentence."

const commandsPromptFormat = "You are a Home Assistant command generator. " +
	"The user wants to perform some action. We also have the following device info:\n" +
	"%s\n" +
	"Output a JSON array of commands. Always return an array even if there is only 1 item. " +
	"Each command is an object see example of desired output below:\n" +
	"[\n" +
	"   {\n" +
	"       \"service\": \"light.turn_on\",\n" +
	"       \"data\": {\n" +
	"           \"entity_id\": \"light.office_outdoor_spotlight_left\",\n" +
	"           \"hs_color\": [39, 100]\n" +
	"       }\n" +
	"   },\n" +
	"   {\n" +
	"       \"service\": \"media_player.play_media\",\n" +
	"       \"data\": {\n" +
	"          \"entity_id\": \"media_player.kitchen_sonos\", \n" +
	"           \"media_content_id\": \"spotify:playlist:6Jk1rXWdpLQaMiWaM9Tjor\",\n" +
	"           \"media_content_type\": \"music\",\n" +
	"          \"enqueue\": \"replace\"\n" +
	"       }\n" +
	"   }\n" +
	"]\n" +
	"If the user wants multiple devices changed, output multiple items in the array. " +
	"If any color/brightness/temperature is implied by user, set them. " +
	"Use numeric arrays for color. If domain is climate, use 'temperature', etc. " +
	"If the user requests music only use the provided spotify URI, do not make one up. " +
	"IMPORTANT: Return ONLY valid JSON, no extra text or code fences or commented out text."
